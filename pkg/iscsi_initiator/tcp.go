// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"fmt"
	"iscsiinitiator/pkg/logger"
	"net"
	"syscall"
	"time"
)

// SocketOptions configures sockets opened by DialPortal.
type SocketOptions struct {
	// KeepAlivePeriod - delay between the last received TCP packet and the first probe.
	KeepAlivePeriod time.Duration
	// KeepAliveInterval - wait time after an unsuccessful probe.
	KeepAliveInterval time.Duration
	// KeepAliveCount - number of probes before the connection is dropped.
	KeepAliveCount int
	NoDelay        bool
	DialTimeout    time.Duration
}

func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		KeepAlivePeriod:   60 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		KeepAliveCount:    2,
		NoDelay:           true,
		DialTimeout:       10 * time.Second,
	}
}

// DialPortal opens the TCP connection a login is run over. With a host
// interface set the socket is bound to that interface before connecting.
func DialPortal(ctx context.Context, portal Portal, options SocketOptions) (*net.TCPConn, error) {
	const op = "DialPortal"
	if _, ok := portal.portNumber(); !ok {
		return nil, operationError(op, InvalidSessionID, InvalidConnectionID, ErrInvalidArgument, "port %q out of range", portal.Port)
	}
	dialer := net.Dialer{
		Timeout:   options.DialTimeout,
		KeepAlive: -1,
	}
	if portal.HostInterface != "" {
		if _, err := net.InterfaceByName(portal.HostInterface); err != nil {
			return nil, &OperationError{Op: op, SessionID: InvalidSessionID, ConnectionID: InvalidConnectionID,
				Kind: ErrInvalidArgument, Detail: "unknown host interface " + portal.HostInterface, Err: err}
		}
		hostInterface := portal.HostInterface
		dialer.Control = func(network, address string, rawConn syscall.RawConn) error {
			return bindToInterface(rawConn, hostInterface)
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp", portal.String())
	if err != nil {
		return nil, ioError(op, InvalidSessionID, InvalidConnectionID, err)
	}
	connection := conn.(*net.TCPConn)
	if err := configureSocket(connection, options); err != nil {
		_ = connection.Close()
		return nil, ioError(op, InvalidSessionID, InvalidConnectionID, err)
	}
	logger.GetLogger().WithField(logger.KeyPortal, portal.String()).
		Infof("connected from %s", connection.LocalAddr())
	return connection, nil
}

func configureSocket(connection *net.TCPConn, options SocketOptions) error {
	if options.KeepAlivePeriod > 0 {
		if err := setKeepaliveParameters(connection, options.KeepAlivePeriod, options.KeepAliveInterval, options.KeepAliveCount); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
	}
	if err := connection.SetNoDelay(options.NoDelay); err != nil {
		return fmt.Errorf("nodelay: %w", err)
	}
	return nil
}
