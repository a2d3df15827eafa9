//go:build !linux

// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

package iscsi_initiator

import (
	"fmt"
	"net"
	"syscall"
	"time"
)

func setKeepaliveParameters(connection *net.TCPConn, period, interval time.Duration, count int) error {
	return connection.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     period,
		Interval: interval,
		Count:    count,
	})
}

func bindToInterface(rawConn syscall.RawConn, name string) error {
	return fmt.Errorf("%w: binding to interface %s", ErrUnsupported, name)
}
