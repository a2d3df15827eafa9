// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

type ConnectionInfo struct {
	ConnectionID   ConnectionID `json:"connection_id"`
	Portal         Portal       `json:"portal"`
	Active         bool         `json:"active"`
	ExpStatSN      uint32       `json:"exp_stat_sn"`
	R2TSN          uint32       `json:"r2t_sn"`
	BytesPerSecond float64      `json:"bytes_per_second"`
	// Parameters maps ConnectionParameter names to their values.
	Parameters map[string]uint32 `json:"parameters"`
}

type SessionInfo struct {
	SessionID         SessionID         `json:"session_id"`
	Handle            string            `json:"handle"`
	TargetName        string            `json:"target_name"`
	Active            bool              `json:"active"`
	ActiveConnections int               `json:"active_connections"`
	CmdSN             uint32            `json:"cmd_sn"`
	ExpCmdSN          uint32            `json:"exp_cmd_sn"`
	MaxCmdSN          uint32            `json:"max_cmd_sn"`
	Parameters        map[string]uint32 `json:"parameters"`
	Connections       []ConnectionInfo  `json:"connections"`
}

func (connection *connection) infoLocked() ConnectionInfo {
	parameters := make(map[string]uint32, connectionParameterCount)
	for index, value := range connection.values {
		parameters[ConnectionParameter(index).String()] = value
	}
	return ConnectionInfo{
		ConnectionID:   connection.id,
		Portal:         connection.portal,
		Active:         connection.activated,
		ExpStatSN:      connection.expStatSN.Load(),
		R2TSN:          connection.r2tSN.Load(),
		BytesPerSecond: connection.throughput.BytesPerSecond(),
		Parameters:     parameters,
	}
}

func (session *session) infoLocked() SessionInfo {
	cmdSN, expCmdSN, maxCmdSN := session.sequenceNumbers()
	parameters := make(map[string]uint32, sessionParameterCount)
	for index, value := range session.values {
		parameter := SessionParameter(index)
		if _, ok := session.sequenceValue(parameter); ok {
			continue
		}
		parameters[parameter.String()] = value
	}
	info := SessionInfo{
		SessionID:         session.id,
		Handle:            session.handle.String(),
		TargetName:        session.targetName,
		Active:            session.active,
		ActiveConnections: session.numActiveConnections,
		CmdSN:             cmdSN,
		ExpCmdSN:          expCmdSN,
		MaxCmdSN:          maxCmdSN,
		Parameters:        parameters,
		Connections:       []ConnectionInfo{},
	}
	for _, connection := range session.connections {
		if connection != nil {
			info.Connections = append(info.Connections, connection.infoLocked())
		}
	}
	return info
}

// GetSessionInfo returns a snapshot of one session and its connections.
func (manager *SessionManager) GetSessionInfo(sessionId SessionID) (SessionInfo, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked("GetSessionInfo", sessionId)
	if err != nil {
		return SessionInfo{}, err
	}
	return session.infoLocked(), nil
}

// ListSessions returns snapshots of all sessions ordered by id.
func (manager *SessionManager) ListSessions() []SessionInfo {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	result := []SessionInfo{}
	for _, session := range manager.sessions {
		if session != nil {
			result = append(result, session.infoLocked())
		}
	}
	return result
}

// PendingDataLength reports how many data segment bytes of the last received
// header are still unread on the connection.
func (manager *SessionManager) PendingDataLength(sessionId SessionID, connectionId ConnectionID) (uint32, error) {
	_, connection, _, err := manager.activeConnection("PendingDataLength", sessionId, connectionId)
	if err != nil {
		return 0, err
	}
	connection.readLock.Lock()
	defer connection.readLock.Unlock()
	return connection.pendingDataLength, nil
}
