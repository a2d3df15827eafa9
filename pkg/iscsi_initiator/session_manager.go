// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"iscsiinitiator/pkg/logger"
	"iscsiinitiator/pkg/metrics"
	"iscsiinitiator/pkg/pdu"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type SessionID uint16
type ConnectionID uint16

const (
	InvalidSessionID    SessionID    = math.MaxUint16
	InvalidConnectionID ConnectionID = math.MaxUint16

	DefaultMaxSessions              = 16
	DefaultMaxConnectionsPerSession = 4
	DefaultNotificationQueueSize    = 64
	// MaxTargetNameLength is the RFC3720 limit for iSCSI names.
	MaxTargetNameLength = 223
)

// Limits bounds the session table and every session's connection table.
type Limits struct {
	MaxSessions              int
	MaxConnectionsPerSession int
}

func (limits Limits) normalized() Limits {
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = DefaultMaxSessions
	}
	if limits.MaxConnectionsPerSession <= 0 {
		limits.MaxConnectionsPerSession = DefaultMaxConnectionsPerSession
	}
	// The largest identifier value is reserved for the invalid sentinel.
	limits.MaxSessions = min(limits.MaxSessions, int(InvalidSessionID))
	limits.MaxConnectionsPerSession = min(limits.MaxConnectionsPerSession, int(InvalidConnectionID))
	return limits
}

// PDUHandler consumes PDUs drained by the workloop.
// It runs on the workloop and must not block for long.
type PDUHandler func(sessionId SessionID, connectionId ConnectionID, header *pdu.BasicHeaderSegment, data []byte)

// SessionManager owns the session and connection tables. Every table
// mutation happens under accessLock; socket I/O never does.
type SessionManager struct {
	limits             Limits
	accessLock         sync.Mutex
	sessions           []*session
	sessionIdsByTarget map[string]SessionID
	closed             bool

	validate          *validator.Validate
	notifier          *Notifier
	notificationQueue int
	workloop          *workloop
	metrics           metrics.InitiatorMetrics
	handler           PDUHandler
	clock             func() time.Time
}

type Option func(manager *SessionManager)

func WithMetrics(initiatorMetrics metrics.InitiatorMetrics) Option {
	return func(manager *SessionManager) {
		manager.metrics = initiatorMetrics
	}
}

func WithPDUHandler(handler PDUHandler) Option {
	return func(manager *SessionManager) {
		manager.handler = handler
	}
}

func WithNotificationQueueSize(size int) Option {
	return func(manager *SessionManager) {
		manager.notificationQueue = size
	}
}

func WithClock(clock func() time.Time) Option {
	return func(manager *SessionManager) {
		manager.clock = clock
	}
}

func NewSessionManager(limits Limits, options ...Option) *SessionManager {
	limits = limits.normalized()
	manager := &SessionManager{
		limits:             limits,
		sessions:           make([]*session, limits.MaxSessions),
		sessionIdsByTarget: make(map[string]SessionID),
		validate:           validator.New(),
		notificationQueue:  DefaultNotificationQueueSize,
		clock:              time.Now,
	}
	for _, option := range options {
		option(manager)
	}
	manager.notifier = newNotifier(manager.notificationQueue, manager.metrics)
	manager.workloop = newWorkloop(limits.MaxSessions*limits.MaxConnectionsPerSession, manager.receiveAvailablePDU, manager.connectionFailed)
	return manager
}

func (manager *SessionManager) Limits() Limits {
	return manager.limits
}

// Notifications returns the channel lifecycle events are delivered on.
// It is closed by Close.
func (manager *SessionManager) Notifications() <-chan Notification {
	return manager.notifier.Notifications()
}

// Run drives the workloop until ctx is done.
func (manager *SessionManager) Run(ctx context.Context) error {
	return manager.workloop.run(ctx)
}

// Close releases every session, sends the termination notice and closes the notification channel.
func (manager *SessionManager) Close() {
	manager.accessLock.Lock()
	if manager.closed {
		manager.accessLock.Unlock()
		return
	}
	manager.closed = true
	for index := range manager.sessions {
		manager.releaseSessionLocked(SessionID(index))
	}
	manager.accessLock.Unlock()
	manager.notifier.publish(Notification{
		Kind:         NotificationTerminate,
		SessionID:    InvalidSessionID,
		ConnectionID: InvalidConnectionID,
		Time:         manager.clock(),
	})
	manager.notifier.close()
	logger.GetLogger().Info("session manager closed")
}

func (manager *SessionManager) validSessionId(sessionId SessionID) bool {
	return int(sessionId) < len(manager.sessions)
}

func (manager *SessionManager) validConnectionId(connectionId ConnectionID) bool {
	return int(connectionId) < manager.limits.MaxConnectionsPerSession
}

// sessionLocked resolves a session id; the caller holds accessLock.
func (manager *SessionManager) sessionLocked(op string, sessionId SessionID) (*session, error) {
	if !manager.validSessionId(sessionId) {
		return nil, operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument,
			"session id out of range [0, %d)", len(manager.sessions))
	}
	session := manager.sessions[sessionId]
	if session == nil {
		return nil, operationError(op, sessionId, InvalidConnectionID, ErrNotFound, "no such session")
	}
	return session, nil
}

func (manager *SessionManager) connectionLocked(op string, sessionId SessionID, connectionId ConnectionID) (*session, *connection, error) {
	if !manager.validSessionId(sessionId) || !manager.validConnectionId(connectionId) {
		return nil, nil, operationError(op, sessionId, connectionId, ErrInvalidArgument, "identifier out of range")
	}
	session := manager.sessions[sessionId]
	if session == nil {
		return nil, nil, operationError(op, sessionId, connectionId, ErrNotFound, "no such session")
	}
	connection := session.connection(connectionId)
	if connection == nil {
		return nil, nil, operationError(op, sessionId, connectionId, ErrNotFound, "no such connection")
	}
	return session, connection, nil
}

type targetNameInput struct {
	TargetName string `validate:"required,max=223,printascii"`
}

func (manager *SessionManager) validateTargetName(op, targetName string) error {
	if err := manager.validate.Struct(targetNameInput{TargetName: targetName}); err != nil {
		return &OperationError{Op: op, SessionID: InvalidSessionID, ConnectionID: InvalidConnectionID,
			Kind: ErrInvalidArgument, Detail: "malformed target name", Err: err}
	}
	if strings.ContainsAny(targetName, " \t") {
		return operationError(op, InvalidSessionID, InvalidConnectionID, ErrInvalidArgument,
			"target name %q contains whitespace", targetName)
	}
	return nil
}

func (manager *SessionManager) validatePortal(op string, sessionId SessionID, portal Portal, networkConnection net.Conn) error {
	if err := manager.validate.Struct(portal); err != nil {
		return &OperationError{Op: op, SessionID: sessionId, ConnectionID: InvalidConnectionID,
			Kind: ErrInvalidArgument, Detail: "malformed portal", Err: err}
	}
	if _, ok := portal.portNumber(); !ok {
		return operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument, "port %q out of range", portal.Port)
	}
	if strings.ContainsAny(portal.HostInterface, " \t/") {
		return operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument,
			"malformed host interface %q", portal.HostInterface)
	}
	if networkConnection == nil {
		return operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument, "no socket supplied")
	}
	return nil
}

// CreateSession allocates the first free session slot and its first connection
// over an already established socket. The connection stays inactive.
func (manager *SessionManager) CreateSession(targetName string, portal Portal, networkConnection net.Conn) (SessionID, ConnectionID, error) {
	const op = "CreateSession"
	if err := manager.validateTargetName(op, targetName); err != nil {
		return InvalidSessionID, InvalidConnectionID, err
	}
	if err := manager.validatePortal(op, InvalidSessionID, portal, networkConnection); err != nil {
		return InvalidSessionID, InvalidConnectionID, err
	}

	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	if manager.closed {
		return InvalidSessionID, InvalidConnectionID,
			operationError(op, InvalidSessionID, InvalidConnectionID, ErrNoResources, "session manager is closed")
	}
	sessionId := InvalidSessionID
	for index, session := range manager.sessions {
		if session == nil {
			sessionId = SessionID(index)
			break
		}
	}
	if sessionId == InvalidSessionID {
		return InvalidSessionID, InvalidConnectionID,
			operationError(op, InvalidSessionID, InvalidConnectionID, ErrNoResources, "session table is full")
	}

	session := newSession(sessionId, targetName, manager.limits.MaxConnectionsPerSession)
	connectionId := ConnectionID(0)
	session.connections[connectionId] = newConnection(sessionId, connectionId, portal, networkConnection)
	manager.sessions[sessionId] = session
	if _, ok := manager.sessionIdsByTarget[targetName]; !ok {
		manager.sessionIdsByTarget[targetName] = sessionId
	}
	if manager.metrics != nil {
		manager.metrics.SessionCreated()
		manager.metrics.ConnectionCreated()
	}
	logger.WithConnection(sessionId, connectionId).
		WithField(logger.KeyTargetName, targetName).
		WithField(logger.KeyPortal, portal.String()).
		Infof("created session %s", session.handle)
	return sessionId, connectionId, nil
}

// ReleaseSession tears down every connection of the session and frees its slot.
// Unknown or out-of-range identifiers are ignored.
func (manager *SessionManager) ReleaseSession(sessionId SessionID) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	manager.releaseSessionLocked(sessionId)
}

func (manager *SessionManager) releaseSessionLocked(sessionId SessionID) {
	if !manager.validSessionId(sessionId) {
		return
	}
	session := manager.sessions[sessionId]
	if session == nil {
		return
	}
	for index, connection := range session.connections {
		if connection == nil {
			continue
		}
		manager.teardownConnectionLocked(session, connection)
		session.connections[index] = nil
	}
	manager.sessions[sessionId] = nil
	if current, ok := manager.sessionIdsByTarget[session.targetName]; ok && current == sessionId {
		manager.resolveTargetNameLocked(session.targetName)
	}
	if manager.metrics != nil {
		manager.metrics.SessionReleased()
	}
	logger.WithSession(sessionId).WithField(logger.KeyTargetName, session.targetName).Info("released session")
}

func (manager *SessionManager) GetSessionParameter(sessionId SessionID, parameter SessionParameter) (uint32, error) {
	const op = "GetSessionParameter"
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked(op, sessionId)
	if err != nil {
		return 0, err
	}
	if !parameter.Valid() {
		return 0, operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument, "unknown parameter %s", parameter)
	}
	if value, ok := session.sequenceValue(parameter); ok {
		return value, nil
	}
	return session.values[parameter], nil
}

// SetSessionParameter changes a session-wide parameter. Negotiated parameters
// are frozen while the session is active; sequence numbers are not.
func (manager *SessionManager) SetSessionParameter(sessionId SessionID, parameter SessionParameter, value uint32) error {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	return manager.setSessionParameterLocked(sessionId, parameter, value)
}

func (manager *SessionManager) setSessionParameterLocked(sessionId SessionID, parameter SessionParameter, value uint32) error {
	const op = "SetSessionParameter"
	session, err := manager.sessionLocked(op, sessionId)
	if err != nil {
		if !manager.validSessionId(sessionId) {
			return err
		}
		return operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument, "no such session")
	}
	if !parameter.Valid() {
		return operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument, "unknown parameter %s", parameter)
	}
	key := &sessionKeys[parameter]
	if !key.check(value) {
		return operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument,
			"%s value %d outside [%d, %d]", parameter, value, key.min, key.max)
	}
	if session.setSequenceValue(parameter, value) {
		return nil
	}
	if key.negotiated && session.active {
		return operationError(op, sessionId, InvalidConnectionID, ErrInvalidArgument,
			"%s cannot change while the session is active", parameter)
	}
	session.values[parameter] = value
	logger.WithSession(sessionId).Debugf("%s = %d", parameter, value)
	return nil
}

// resolveTargetNameLocked points targetName at the lowest session still open
// to that target, or forgets it when there is none.
func (manager *SessionManager) resolveTargetNameLocked(targetName string) {
	for index, session := range manager.sessions {
		if session != nil && session.targetName == targetName {
			manager.sessionIdsByTarget[targetName] = SessionID(index)
			return
		}
	}
	delete(manager.sessionIdsByTarget, targetName)
}

// GetSessionIdForTargetIQN looks a session up by the target name it was created with.
func (manager *SessionManager) GetSessionIdForTargetIQN(targetName string) (SessionID, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	sessionId, ok := manager.sessionIdsByTarget[targetName]
	if !ok {
		return InvalidSessionID, operationError("GetSessionIdForTargetIQN", InvalidSessionID, InvalidConnectionID,
			ErrNotFound, "no session for target %q", targetName)
	}
	return sessionId, nil
}

// GetSessionIds lists allocated sessions in ascending order.
func (manager *SessionManager) GetSessionIds() []SessionID {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	sessionIds := make([]SessionID, 0, len(manager.sessions))
	for index, session := range manager.sessions {
		if session != nil {
			sessionIds = append(sessionIds, SessionID(index))
		}
	}
	return sessionIds
}

func (manager *SessionManager) GetConnectionIds(sessionId SessionID) ([]ConnectionID, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked("GetConnectionIds", sessionId)
	if err != nil {
		return nil, err
	}
	connectionIds := make([]ConnectionID, 0, len(session.connections))
	for index, connection := range session.connections {
		if connection != nil {
			connectionIds = append(connectionIds, ConnectionID(index))
		}
	}
	return connectionIds, nil
}

// GetConnectionIdForPortalAddress finds the connection of a session attached to
// the given portal address. The address may carry a ":port" suffix.
func (manager *SessionManager) GetConnectionIdForPortalAddress(sessionId SessionID, address string) (ConnectionID, error) {
	const op = "GetConnectionIdForPortalAddress"
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked(op, sessionId)
	if err != nil {
		return InvalidConnectionID, err
	}
	host, port, splitErr := net.SplitHostPort(address)
	if splitErr != nil {
		host, port = address, ""
	}
	for index, connection := range session.connections {
		if connection == nil || connection.portal.Address != host {
			continue
		}
		if port == "" || connection.portal.Port == port {
			return ConnectionID(index), nil
		}
	}
	return InvalidConnectionID, operationError(op, sessionId, InvalidConnectionID, ErrNotFound, "no connection to %q", address)
}

func (manager *SessionManager) GetTargetNameForSessionId(sessionId SessionID) (string, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, err := manager.sessionLocked("GetTargetNameForSessionId", sessionId)
	if err != nil {
		return "", err
	}
	return session.targetName, nil
}

func (manager *SessionManager) portal(op string, sessionId SessionID, connectionId ConnectionID) (Portal, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	_, connection, err := manager.connectionLocked(op, sessionId, connectionId)
	if err != nil {
		return Portal{}, err
	}
	return connection.portal, nil
}

func (manager *SessionManager) GetPortalAddressForConnectionId(sessionId SessionID, connectionId ConnectionID) (string, error) {
	portal, err := manager.portal("GetPortalAddressForConnectionId", sessionId, connectionId)
	return portal.Address, err
}

func (manager *SessionManager) GetPortalPortForConnectionId(sessionId SessionID, connectionId ConnectionID) (string, error) {
	portal, err := manager.portal("GetPortalPortForConnectionId", sessionId, connectionId)
	return portal.Port, err
}

func (manager *SessionManager) GetHostInterfaceForConnectionId(sessionId SessionID, connectionId ConnectionID) (string, error) {
	portal, err := manager.portal("GetHostInterfaceForConnectionId", sessionId, connectionId)
	return portal.HostInterface, err
}

func formatId[T SessionID | ConnectionID](id T) string {
	return strconv.Itoa(int(id))
}
