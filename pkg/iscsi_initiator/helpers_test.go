// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"iscsiinitiator/pkg/pdu"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTargetName = "iqn.2018-01.com.example:storage.disk1"

var testPortal = Portal{Address: "127.0.0.1", Port: "3260"}

// socketPair returns both ends of a loopback TCP connection.
func socketPair(t *testing.T) (initiatorSide net.Conn, targetSide net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		connection, err := listener.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- connection
	}()
	initiatorSide, err = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	select {
	case targetSide = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	require.NotNil(t, targetSide)
	t.Cleanup(func() {
		_ = initiatorSide.Close()
		_ = targetSide.Close()
	})
	return initiatorSide, targetSide
}

func newTestManager(t *testing.T, options ...Option) *SessionManager {
	t.Helper()
	manager := NewSessionManager(Limits{MaxSessions: 4, MaxConnectionsPerSession: 2}, options...)
	t.Cleanup(manager.Close)
	return manager
}

// newActiveSession creates a session with one activated connection and
// returns the target end of its socket.
func newActiveSession(t *testing.T, manager *SessionManager) (SessionID, ConnectionID, net.Conn) {
	t.Helper()
	initiatorSide, targetSide := socketPair(t)
	sessionId, connectionId, err := manager.CreateSession(testTargetName, testPortal, initiatorSide)
	require.NoError(t, err)
	require.NoError(t, manager.ActivateConnection(sessionId, connectionId))
	return sessionId, connectionId, targetSide
}

func targetPDU(t *testing.T, header pdu.TargetHeader, data []byte) []byte {
	t.Helper()
	header.DataSegmentLength = uint32(len(data))
	bhs, err := header.Encode()
	require.NoError(t, err)
	stream := append(bhs[:], data...)
	return append(stream, pdu.Padding(len(data))...)
}
