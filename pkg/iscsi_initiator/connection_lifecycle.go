// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"errors"
	"iscsiinitiator/pkg/logger"
	"net"
)

// CreateConnection adds an inactive connection over an established socket to a session.
func (manager *SessionManager) CreateConnection(sessionId SessionID, portal Portal, networkConnection net.Conn) (ConnectionID, error) {
	const op = "CreateConnection"
	if !manager.validSessionId(sessionId) {
		return InvalidConnectionID, operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument, "session id out of range")
	}
	if err := manager.validatePortal(op, sessionId, portal, networkConnection); err != nil {
		return InvalidConnectionID, err
	}

	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked(op, sessionId)
	if err != nil {
		return InvalidConnectionID, err
	}
	connectionId, ok := session.freeConnectionSlot()
	if !ok {
		return InvalidConnectionID, operationError(op, sessionId, InvalidConnectionID, ErrNoResources, "connection table is full")
	}
	session.connections[connectionId] = newConnection(sessionId, connectionId, portal, networkConnection)
	if manager.metrics != nil {
		manager.metrics.ConnectionCreated()
	}
	logger.WithConnection(sessionId, connectionId).WithField(logger.KeyPortal, portal.String()).Info("created connection")
	return connectionId, nil
}

// ReleaseConnection closes the socket and clears the slot. Releasing the last
// connection of a session releases the session. Unknown identifiers are ignored.
func (manager *SessionManager) ReleaseConnection(sessionId SessionID, connectionId ConnectionID) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	if !manager.validSessionId(sessionId) || !manager.validConnectionId(connectionId) {
		return
	}
	session := manager.sessions[sessionId]
	if session == nil {
		return
	}
	connection := session.connection(connectionId)
	if connection == nil {
		return
	}
	manager.teardownConnectionLocked(session, connection)
	session.connections[connectionId] = nil
	logger.WithConnection(sessionId, connectionId).Info("released connection")
	if session.connectionCount() == 0 {
		manager.releaseSessionLocked(sessionId)
	}
}

// teardownConnectionLocked detaches the readiness source before closing the
// socket, so the workloop never sees a released connection as readable.
func (manager *SessionManager) teardownConnectionLocked(session *session, connection *connection) {
	manager.deactivateLocked(session, connection)
	if err := connection.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.WithConnection(session.id, connection.id).Warnf("closing socket: %v", err)
	}
	if manager.metrics != nil {
		manager.metrics.ConnectionReleased()
		manager.metrics.ForgetConnection(formatId(session.id), formatId(connection.id))
	}
}

// ActivateConnection makes the connection eligible for PDU traffic and arms its readiness source.
func (manager *SessionManager) ActivateConnection(sessionId SessionID, connectionId ConnectionID) error {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, connection, err := manager.connectionLocked("ActivateConnection", sessionId, connectionId)
	if err != nil {
		return err
	}
	return manager.activateLocked(session, connection)
}

func (manager *SessionManager) activateLocked(session *session, connection *connection) error {
	const op = "ActivateConnection"
	if connection.activated {
		return nil
	}
	if connection.values[ConnectionMaxRecvDataSegmentLength] == 0 {
		return operationError(op, session.id, connection.id, ErrInvalidArgument, "MaxRecvDataSegmentLength is 0")
	}
	if connection.values[ConnectionIFMarker] != 0 || connection.values[ConnectionOFMarker] != 0 {
		return operationError(op, session.id, connection.id, ErrUnsupported, "markers are not supported")
	}
	connection.wire = connection.captureWireOptions()
	connection.activated = true
	if !session.active {
		session.resetCommandWindow()
	}
	session.numActiveConnections++
	session.active = true
	connection.source = newEventSource(manager.workloop, session.id, connection, connection.wire)
	connection.source.start()
	if manager.metrics != nil {
		manager.metrics.ConnectionActivated()
	}
	logger.WithConnection(session.id, connection.id).Info("activated connection")
	return nil
}

// DeactivateConnection stops PDU traffic on the connection without closing it.
func (manager *SessionManager) DeactivateConnection(sessionId SessionID, connectionId ConnectionID) error {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, connection, err := manager.connectionLocked("DeactivateConnection", sessionId, connectionId)
	if err != nil {
		return err
	}
	manager.deactivateLocked(session, connection)
	return nil
}

func (manager *SessionManager) deactivateLocked(session *session, connection *connection) bool {
	if !connection.activated {
		return false
	}
	if connection.source != nil {
		connection.source.stop()
		connection.source = nil
	}
	connection.activated = false
	session.numActiveConnections--
	if session.numActiveConnections == 0 {
		session.active = false
	}
	if manager.metrics != nil {
		manager.metrics.ConnectionDeactivated()
	}
	logger.WithConnection(session.id, connection.id).Info("deactivated connection")
	return true
}

// ActivateAllConnections activates every connection of the session and returns
// how many changed state. Connections that cannot be activated are reported in the error.
func (manager *SessionManager) ActivateAllConnections(sessionId SessionID) (int, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked("ActivateAllConnections", sessionId)
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, connection := range session.connections {
		if connection == nil || connection.activated {
			continue
		}
		if err := manager.activateLocked(session, connection); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

func (manager *SessionManager) DeactivateAllConnections(sessionId SessionID) (int, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked("DeactivateAllConnections", sessionId)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, connection := range session.connections {
		if connection != nil && manager.deactivateLocked(session, connection) {
			count++
		}
	}
	return count, nil
}

func (manager *SessionManager) GetConnectionParameter(sessionId SessionID, connectionId ConnectionID, parameter ConnectionParameter) (uint32, error) {
	const op = "GetConnectionParameter"
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	_, connection, err := manager.connectionLocked(op, sessionId, connectionId)
	if err != nil {
		return 0, err
	}
	if !parameter.Valid() {
		return 0, operationError(op, sessionId, connectionId, ErrInvalidArgument, "unknown parameter %s", parameter)
	}
	return connection.values[parameter], nil
}

// SetConnectionParameter changes a negotiated connection parameter; it is
// rejected while the connection is active.
func (manager *SessionManager) SetConnectionParameter(sessionId SessionID, connectionId ConnectionID, parameter ConnectionParameter, value uint32) error {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	return manager.setConnectionParameterLocked(sessionId, connectionId, parameter, value)
}

func (manager *SessionManager) setConnectionParameterLocked(sessionId SessionID, connectionId ConnectionID, parameter ConnectionParameter, value uint32) error {
	const op = "SetConnectionParameter"
	_, connection, err := manager.connectionLocked(op, sessionId, connectionId)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return operationError(op, sessionId, connectionId, ErrInvalidArgument, "no such connection")
		}
		return err
	}
	if !parameter.Valid() {
		return operationError(op, sessionId, connectionId, ErrInvalidArgument, "unknown parameter %s", parameter)
	}
	key := &connectionKeys[parameter]
	if !key.check(value) {
		return operationError(op, sessionId, connectionId, ErrInvalidArgument,
			"%s value %d outside [%d, %d]", parameter, value, key.min, key.max)
	}
	if key.negotiated && connection.activated {
		return operationError(op, sessionId, connectionId, ErrInvalidArgument,
			"%s cannot change while the connection is active", parameter)
	}
	connection.values[parameter] = value
	if parameter == ConnectionInitialExpStatSN {
		connection.expStatSN.Store(value)
	}
	logger.WithConnection(sessionId, connectionId).Debugf("%s = %d", parameter, value)
	return nil
}

// ImmediateDataLength is min(FirstBurstLength, MaxSendDataSegmentLength) for the connection.
func (manager *SessionManager) ImmediateDataLength(sessionId SessionID, connectionId ConnectionID) (uint32, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, connection, err := manager.connectionLocked("ImmediateDataLength", sessionId, connectionId)
	if err != nil {
		return 0, err
	}
	return connection.immediateDataLength(session.values[SessionFirstBurstLength]), nil
}

func (manager *SessionManager) throughputTracker(op string, sessionId SessionID, connectionId ConnectionID) (*ThroughputTracker, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	_, connection, err := manager.connectionLocked(op, sessionId, connectionId)
	if err != nil {
		return nil, err
	}
	return connection.throughput, nil
}

// BeginTransfer timestamps the start of a transfer on the connection.
func (manager *SessionManager) BeginTransfer(sessionId SessionID, connectionId ConnectionID) error {
	tracker, err := manager.throughputTracker("BeginTransfer", sessionId, connectionId)
	if err != nil {
		return err
	}
	tracker.Start(manager.clock())
	return nil
}

// CompleteTransfer records the transfer started by BeginTransfer and returns the new average rate.
func (manager *SessionManager) CompleteTransfer(sessionId SessionID, connectionId ConnectionID, bytes uint64) (float64, error) {
	const op = "CompleteTransfer"
	tracker, err := manager.throughputTracker(op, sessionId, connectionId)
	if err != nil {
		return 0, err
	}
	rate, ok := tracker.Complete(bytes, manager.clock())
	if !ok {
		return rate, operationError(op, sessionId, connectionId, ErrInvalidArgument, "no transfer in progress")
	}
	if manager.metrics != nil {
		manager.metrics.ObserveThroughput(formatId(sessionId), formatId(connectionId), rate)
	}
	return rate, nil
}

// ConnectionThroughput returns the moving average in bytes per second.
func (manager *SessionManager) ConnectionThroughput(sessionId SessionID, connectionId ConnectionID) (float64, error) {
	tracker, err := manager.throughputTracker("ConnectionThroughput", sessionId, connectionId)
	if err != nil {
		return 0, err
	}
	return tracker.BytesPerSecond(), nil
}
