// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func setKeepaliveParameters(connection *net.TCPConn, period, interval time.Duration, count int) error {
	if err := connection.SetKeepAlive(true); err != nil {
		return err
	}
	if err := connection.SetKeepAlivePeriod(period); err != nil {
		return err
	}
	rawConn, err := connection.SyscallConn()
	if err != nil {
		return err
	}
	var socketErr error
	err = rawConn.Control(func(fd uintptr) {
		if count > 0 {
			if socketErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count); socketErr != nil {
				return
			}
		}
		if seconds := int(interval / time.Second); seconds > 0 {
			socketErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds)
		}
	})
	if err != nil {
		return err
	}
	return socketErr
}

func bindToInterface(rawConn syscall.RawConn, name string) error {
	var socketErr error
	err := rawConn.Control(func(fd uintptr) {
		socketErr = unix.BindToDevice(int(fd), name)
	})
	if err != nil {
		return err
	}
	return socketErr
}
