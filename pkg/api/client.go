// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"iscsiinitiator/pkg/iscsi_initiator"
	"net"
	"strings"
)

type ErrApiRequestFailed struct {
	errorMessage string
}

func (apiErr ErrApiRequestFailed) Error() string {
	return strings.Replace(
		apiErr.errorMessage, `\n`, "\n", -1)
}

type ErrUnxpectedResponseType struct {
	responseType string
}

func (err ErrUnxpectedResponseType) Error() string {
	return fmt.Sprintf("Unknown response type %s", err.responseType)
}

func unmarshal[T any](response *Response) (*T, error) {
	result := new(T)
	err := json.Unmarshal(response.Result, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type ClientRequester struct {
	socketPath string
}

func NewApiRequester(socketPath string) ClientRequester {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return ClientRequester{
		socketPath: socketPath,
	}
}

func (api ClientRequester) performUnixSocketRequest(data []byte) ([]byte, error) {
	connection, err := net.Dial("unix", api.socketPath)
	if err != nil {
		return nil, err
	}
	defer connection.Close()
	_, err = connection.Write(append(data, '\n'))
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(connection)
	delimiter := byte('\n')
	responseBytes, err := reader.ReadBytes(delimiter)
	return responseBytes, err
}

func (api ClientRequester) request(request Request) (*Response, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	responseBytes, err := api.performUnixSocketRequest(data)
	if err != nil {
		return nil, err
	}
	response := &Response{}
	err = json.Unmarshal(responseBytes, response)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, &ErrApiRequestFailed{errorMessage: response.Error}
	}
	return response, nil
}

func specificRequest[ReqType, RespType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) (*RespType, error) {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return nil, err
	}
	if response.Type != typeName {
		return nil, &ErrUnxpectedResponseType{responseType: response.Type}
	}
	return unmarshal[RespType](response)
}

func emptyResponseRequest[ReqType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) error {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return err
	}
	if response.Type != TypeEmptyResponse {
		return &ErrUnxpectedResponseType{responseType: response.Type}
	}
	return nil
}

func (api ClientRequester) PerformList() (ListResponse, error) {
	request := Request{Type: TypeList, Command: json.RawMessage{'{', '}'}}
	response, err := api.request(request)
	if err != nil {
		return nil, err
	}
	if response.Type != TypeList {
		return nil, &ErrUnxpectedResponseType{responseType: response.Type}
	}
	result, err := unmarshal[ListResponse](response)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

func (api ClientRequester) PerformCreateSession(targetName string, portal iscsi_initiator.Portal) (*CreatedResponse, error) {
	return specificRequest[CreateSessionRequest, CreatedResponse](
		api,
		CreateSessionRequest{TargetName: targetName, Portal: portal},
		TypeCreateSession,
	)
}

func (api ClientRequester) PerformCreateConnection(sessionId uint16, portal iscsi_initiator.Portal) (*CreatedResponse, error) {
	return specificRequest[CreateConnectionRequest, CreatedResponse](
		api,
		CreateConnectionRequest{SessionId: sessionId, Portal: portal},
		TypeCreateConnection,
	)
}

func (api ClientRequester) PerformSessionInfo(sessionId uint16) (*SessionInfoResponse, error) {
	return specificRequest[SessionRequest, SessionInfoResponse](
		api,
		SessionRequest{SessionId: sessionId},
		TypeSessionInfo,
	)
}

func (api ClientRequester) PerformReleaseSession(sessionId uint16) error {
	return emptyResponseRequest[SessionRequest](
		api,
		SessionRequest{SessionId: sessionId},
		TypeReleaseSession,
	)
}

func (api ClientRequester) PerformReleaseConnection(sessionId, connectionId uint16) error {
	return emptyResponseRequest[ConnectionRequest](
		api,
		ConnectionRequest{SessionId: sessionId, ConnectionId: connectionId},
		TypeReleaseConnection,
	)
}

// PerformActivate activates one connection, or all of them when connectionId is nil.
func (api ClientRequester) PerformActivate(sessionId uint16, connectionId *uint16) (*ActivationResponse, error) {
	return specificRequest[ActivationRequest, ActivationResponse](
		api,
		ActivationRequest{SessionId: sessionId, ConnectionId: connectionId},
		TypeActivate,
	)
}

func (api ClientRequester) PerformDeactivate(sessionId uint16, connectionId *uint16) (*ActivationResponse, error) {
	return specificRequest[ActivationRequest, ActivationResponse](
		api,
		ActivationRequest{SessionId: sessionId, ConnectionId: connectionId},
		TypeDeactivate,
	)
}

func (api ClientRequester) PerformGetSessionParam(sessionId uint16, parameter string) (*ParameterResponse, error) {
	return specificRequest[GetSessionParamRequest, ParameterResponse](
		api,
		GetSessionParamRequest{SessionId: sessionId, Parameter: parameter},
		TypeGetSessionParam,
	)
}

func (api ClientRequester) PerformSetSessionParam(sessionId uint16, parameter string, value uint32) error {
	return emptyResponseRequest[SetSessionParamRequest](
		api,
		SetSessionParamRequest{SessionId: sessionId, Parameter: parameter, Value: value},
		TypeSetSessionParam,
	)
}

func (api ClientRequester) PerformGetConnectionParam(sessionId, connectionId uint16, parameter string) (*ParameterResponse, error) {
	return specificRequest[GetConnectionParamRequest, ParameterResponse](
		api,
		GetConnectionParamRequest{SessionId: sessionId, ConnectionId: connectionId, Parameter: parameter},
		TypeGetConnectionParam,
	)
}

func (api ClientRequester) PerformSetConnectionParam(sessionId, connectionId uint16, parameter string, value uint32) error {
	return emptyResponseRequest[SetConnectionParamRequest](
		api,
		SetConnectionParamRequest{SessionId: sessionId, ConnectionId: connectionId, Parameter: parameter, Value: value},
		TypeSetConnectionParam,
	)
}
