// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"encoding/json"
	"iscsiinitiator/pkg/iscsi_initiator"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackConnection(t *testing.T) net.Conn {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	connection, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	accepted, err := listener.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = connection.Close()
		_ = accepted.Close()
	})
	return connection
}

func startServer(t *testing.T) (*iscsi_initiator.SessionManager, ClientRequester) {
	t.Helper()
	manager := iscsi_initiator.NewSessionManager(iscsi_initiator.Limits{MaxSessions: 2, MaxConnectionsPerSession: 2})
	t.Cleanup(manager.Close)
	socketPath := filepath.Join(t.TempDir(), "iscsid.sock")
	server := NewApiServer(manager, socketPath)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	require.Eventually(t, func() bool {
		connection, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		_ = connection.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return manager, NewApiRequester(socketPath)
}

func TestControlApi(t *testing.T) {
	manager, client := startServer(t)
	portal := iscsi_initiator.Portal{Address: "192.0.2.1", Port: "3260"}
	sessionId, _, err := manager.CreateSession("iqn.2018-01.com.example:disk", portal, loopbackConnection(t))
	require.NoError(t, err)
	_, err = manager.CreateConnection(sessionId, portal, loopbackConnection(t))
	require.NoError(t, err)

	sessions, err := client.PerformList()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "iqn.2018-01.com.example:disk", sessions[0].TargetName)
	assert.Len(t, sessions[0].Connections, 2)
	assert.Contains(t, sessions.ToCmdlineOutput(), "iqn.2018-01.com.example:disk")

	require.NoError(t, client.PerformSetSessionParam(uint16(sessionId), "FirstBurstLength", 4096))
	parameter, err := client.PerformGetSessionParam(uint16(sessionId), "firstburstlength")
	require.NoError(t, err)
	assert.Equal(t, ParameterResponse{Parameter: "FirstBurstLength", Value: 4096}, *parameter)

	require.NoError(t, client.PerformSetConnectionParam(uint16(sessionId), 1, "DataDigest", 1))
	parameter, err = client.PerformGetConnectionParam(uint16(sessionId), 1, "DataDigest")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), parameter.Value)

	connectionId := uint16(1)
	activation, err := client.PerformActivate(uint16(sessionId), &connectionId)
	require.NoError(t, err)
	assert.Equal(t, 1, activation.Changed)
	activation, err = client.PerformActivate(uint16(sessionId), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, activation.Changed)

	err = client.PerformSetConnectionParam(uint16(sessionId), 1, "DataDigest", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")

	info, err := client.PerformSessionInfo(uint16(sessionId))
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, 2, info.ActiveConnections)
	assert.Contains(t, info.ToCmdlineOutput(), "192.0.2.1:3260")

	activation, err = client.PerformDeactivate(uint16(sessionId), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, activation.Changed)

	require.NoError(t, client.PerformReleaseConnection(uint16(sessionId), 0))
	require.NoError(t, client.PerformReleaseConnection(uint16(sessionId), 1))
	sessions, err = client.PerformList()
	require.NoError(t, err)
	assert.Empty(t, sessions)
	require.NoError(t, client.PerformReleaseSession(uint16(sessionId)))
}

func TestControlApiCreatesSessions(t *testing.T) {
	manager, client := startServer(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	address := listener.Addr().(*net.TCPAddr)
	portal := iscsi_initiator.Portal{Address: "127.0.0.1", Port: strconv.Itoa(address.Port)}

	created, err := client.PerformCreateSession("iqn.2018-01.com.example:dialed", portal)
	require.NoError(t, err)
	assert.Equal(t, CreatedResponse{SessionId: 0, ConnectionId: 0}, *created)
	created, err = client.PerformCreateConnection(created.SessionId, portal)
	require.NoError(t, err)
	assert.Equal(t, CreatedResponse{SessionId: 0, ConnectionId: 1}, *created)
	assert.Equal(t, "Created connection 1 of session 0", created.ToCmdlineOutput())

	sessionId, err := manager.GetSessionIdForTargetIQN("iqn.2018-01.com.example:dialed")
	require.NoError(t, err)
	ids, err := manager.GetConnectionIds(sessionId)
	require.NoError(t, err)
	assert.Equal(t, []iscsi_initiator.ConnectionID{0, 1}, ids)

	// The connection table holds two connections per session.
	_, err = client.PerformCreateConnection(0, portal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no resources")

	_, err = client.PerformCreateSession("not a target name", portal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")

	_, err = client.PerformCreateSession("iqn.2018-01.com.example:dialed", iscsi_initiator.Portal{Address: "127.0.0.1", Port: "0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")
}

func TestControlApiErrors(t *testing.T) {
	_, client := startServer(t)

	_, err := client.PerformGetSessionParam(0, "NoSuchParameter")
	assert.EqualError(t, err, ErrUnknownParameter{name: "NoSuchParameter"}.Error())

	_, err = client.PerformSessionInfo(0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = client.PerformSessionInfo(7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")

	_, err = client.request(Request{Type: "REBOOT", Command: json.RawMessage(`{}`)})
	assert.EqualError(t, err, "unknown request type REBOOT")
}
