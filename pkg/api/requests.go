// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"iscsiinitiator/pkg/iscsi_initiator"
)

const (
	TypeEmptyResponse      = "EMPTY"
	TypeList               = "LIST"
	TypeSessionInfo        = "SESSIONINFO"
	TypeCreateSession      = "CREATESESSION"
	TypeCreateConnection   = "CREATECONNECTION"
	TypeReleaseSession     = "RELEASESESSION"
	TypeReleaseConnection  = "RELEASECONNECTION"
	TypeActivate           = "ACTIVATE"
	TypeDeactivate         = "DEACTIVATE"
	TypeGetSessionParam    = "GETSESSIONPARAM"
	TypeSetSessionParam    = "SETSESSIONPARAM"
	TypeGetConnectionParam = "GETCONNECTIONPARAM"
	TypeSetConnectionParam = "SETCONNECTIONPARAM"
)

type Request struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

// CreateSessionRequest dials the portal and registers the socket as the
// first connection of a new session. Login is left to the caller.
type CreateSessionRequest struct {
	TargetName string                 `json:"target_name"`
	Portal     iscsi_initiator.Portal `json:"portal"`
}

type CreateConnectionRequest struct {
	SessionId uint16                 `json:"session_id"`
	Portal    iscsi_initiator.Portal `json:"portal"`
}

type SessionRequest struct {
	SessionId uint16 `json:"session_id"`
}

type ConnectionRequest struct {
	SessionId    uint16 `json:"session_id"`
	ConnectionId uint16 `json:"connection_id"`
}

// ActivationRequest addresses every connection of the session when ConnectionId is nil.
type ActivationRequest struct {
	SessionId    uint16  `json:"session_id"`
	ConnectionId *uint16 `json:"connection_id,omitempty"`
}

type GetSessionParamRequest struct {
	SessionId uint16 `json:"session_id"`
	Parameter string `json:"parameter"`
}

type SetSessionParamRequest struct {
	SessionId uint16 `json:"session_id"`
	Parameter string `json:"parameter"`
	Value     uint32 `json:"value"`
}

type GetConnectionParamRequest struct {
	SessionId    uint16 `json:"session_id"`
	ConnectionId uint16 `json:"connection_id"`
	Parameter    string `json:"parameter"`
}

type SetConnectionParamRequest struct {
	SessionId    uint16 `json:"session_id"`
	ConnectionId uint16 `json:"connection_id"`
	Parameter    string `json:"parameter"`
	Value        uint32 `json:"value"`
}

func ParseRequest(data []byte) (*Request, error) {
	request := &Request{}
	err := json.Unmarshal(data, request)
	if err != nil {
		return nil, err
	}
	return request, nil
}
