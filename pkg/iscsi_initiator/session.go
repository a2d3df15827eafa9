// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

type session struct {
	id         SessionID
	handle     uuid.UUID
	targetName string
	// connections is a fixed table; nil slots are free.
	connections          []*connection
	numActiveConnections int
	// active is set once a connection has been activated and cleared when none is.
	active bool
	values [sessionParameterCount]uint32

	sequenceLock sync.Mutex
	// CmdSN - the number assigned to the next non-immediate command.
	cmdSN uint32
	// ExpCmdSN - the next command number the target expects.
	expCmdSN uint32
	// MaxCmdSN - the largest command number the target accepts.
	maxCmdSN uint32
	// windowReported is cleared on activation; the first window the target
	// reports afterwards is taken as is.
	windowReported bool
}

func newSession(id SessionID, targetName string, maxConnections int) *session {
	return &session{
		id:          id,
		handle:      uuid.NewV1(),
		targetName:  targetName,
		connections: make([]*connection, maxConnections),
		values:      defaultSessionValues(),
	}
}

// freeConnectionSlot returns the first empty slot of the connection table.
func (session *session) freeConnectionSlot() (ConnectionID, bool) {
	for index, connection := range session.connections {
		if connection == nil {
			return ConnectionID(index), true
		}
	}
	return InvalidConnectionID, false
}

func (session *session) connectionCount() int {
	count := 0
	for _, connection := range session.connections {
		if connection != nil {
			count++
		}
	}
	return count
}

func (session *session) connection(connectionId ConnectionID) *connection {
	if int(connectionId) >= len(session.connections) {
		return nil
	}
	return session.connections[connectionId]
}

// nextCmdSN returns the CmdSN for an outgoing command; only
// non-immediate commands advance the counter.
func (session *session) nextCmdSN(immediate bool) uint32 {
	session.sequenceLock.Lock()
	defer session.sequenceLock.Unlock()
	value := session.cmdSN
	if !immediate {
		session.cmdSN++
	}
	return value
}

// updateCommandWindow applies ExpCmdSN and MaxCmdSN reported by the target.
func (session *session) updateCommandWindow(expCmdSN, maxCmdSN uint32) {
	session.sequenceLock.Lock()
	defer session.sequenceLock.Unlock()
	if serialLess(maxCmdSN, expCmdSN-1) {
		return
	}
	if !session.windowReported {
		session.expCmdSN = expCmdSN
		session.maxCmdSN = maxCmdSN
		session.windowReported = true
		return
	}
	if serialGreater(expCmdSN, session.expCmdSN) {
		session.expCmdSN = expCmdSN
	}
	if serialGreater(maxCmdSN, session.maxCmdSN) {
		session.maxCmdSN = maxCmdSN
	}
}

// resetCommandWindow makes the next reported window authoritative.
func (session *session) resetCommandWindow() {
	session.sequenceLock.Lock()
	defer session.sequenceLock.Unlock()
	session.windowReported = false
}

func (session *session) sequenceNumbers() (cmdSN, expCmdSN, maxCmdSN uint32) {
	session.sequenceLock.Lock()
	defer session.sequenceLock.Unlock()
	return session.cmdSN, session.expCmdSN, session.maxCmdSN
}

func (session *session) sequenceValue(parameter SessionParameter) (uint32, bool) {
	session.sequenceLock.Lock()
	defer session.sequenceLock.Unlock()
	switch parameter {
	case SessionCommandSequenceNumber:
		return session.cmdSN, true
	case SessionExpectedCommandSequenceNumber:
		return session.expCmdSN, true
	case SessionMaxCommandSequenceNumber:
		return session.maxCmdSN, true
	}
	return 0, false
}

func (session *session) setSequenceValue(parameter SessionParameter, value uint32) bool {
	session.sequenceLock.Lock()
	defer session.sequenceLock.Unlock()
	switch parameter {
	case SessionCommandSequenceNumber:
		session.cmdSN = value
	case SessionExpectedCommandSequenceNumber:
		session.expCmdSN = value
	case SessionMaxCommandSequenceNumber:
		session.maxCmdSN = value
	default:
		return false
	}
	return true
}

// serialGreater compares sequence numbers using RFC1982 arithmetic.
func serialGreater(a, b uint32) bool {
	return a != b && int32(a-b) > 0
}

func serialLess(a, b uint32) bool {
	return a != b && int32(a-b) < 0
}
