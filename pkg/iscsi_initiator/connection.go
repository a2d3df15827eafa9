// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"bufio"
	"errors"
	"fmt"
	"iscsiinitiator/pkg/pdu"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

const (
	receiveBufferSize = 64 * 1024
	// TotalAHSLength is a single byte counting 4-byte words.
	maxAdditionalHeaderLength = 255 * 4
)

var (
	errIncompletePDU = errors.New("next PDU is not buffered in full")
	errDataOverLimit = errors.New("data segment exceeds MaxRecvDataSegmentLength")
)

// Portal identifies the target network portal a connection is attached to.
type Portal struct {
	Address       string `json:"address" validate:"required,hostname_rfc1123|ip"`
	Port          string `json:"port" validate:"required,numeric"`
	HostInterface string `json:"host_interface,omitempty" validate:"omitempty,max=15,printascii"`
}

func (portal Portal) String() string {
	return net.JoinHostPort(portal.Address, portal.Port)
}

func (portal Portal) portNumber() (int, bool) {
	port, err := strconv.Atoi(portal.Port)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// wireOptions is the part of the negotiated state the transport needs.
// It is captured on activation and stays constant while the connection is active.
type wireOptions struct {
	headerDigest             bool
	dataDigest               bool
	maxSendDataSegmentLength uint32
	maxRecvDataSegmentLength uint32
}

type connection struct {
	id        ConnectionID
	sessionId SessionID
	// portal strings never change after creation.
	portal            Portal
	networkConnection net.Conn

	writeLock *sync.Mutex
	readLock  *sync.Mutex
	// Guarded by readLock. The watcher grows it to hold a whole PDU.
	reader *bufio.Reader

	// Guarded by the session manager access lock.
	activated bool
	values    [connectionParameterCount]uint32
	wire      wireOptions
	source    *eventSource

	// ExpStatSN - the next status sequence number expected from the target.
	expStatSN atomic.Uint32
	// R2TSN of the last Ready To Transfer PDU received.
	r2tSN atomic.Uint32

	// Guarded by readLock: framing left over from the last header read.
	pendingDataLength uint32
	pendingDataDigest bool

	throughput *ThroughputTracker

	closeOnce sync.Once
	closeErr  error
}

func newConnection(sessionId SessionID, connectionId ConnectionID, portal Portal, networkConnection net.Conn) *connection {
	return &connection{
		id:                connectionId,
		sessionId:         sessionId,
		portal:            portal,
		networkConnection: networkConnection,
		reader:            bufio.NewReaderSize(networkConnection, receiveBufferSize),
		writeLock:         new(sync.Mutex),
		readLock:          new(sync.Mutex),
		values:            defaultConnectionValues(),
		throughput:        NewThroughputTracker(),
	}
}

// close tears the socket down once; later calls report the first result.
func (connection *connection) close() error {
	connection.closeOnce.Do(func() {
		connection.closeErr = connection.networkConnection.Close()
	})
	return connection.closeErr
}

// receiveBufferLength is large enough to buffer the largest PDU the target may send.
func (wire wireOptions) receiveBufferLength() int {
	length := pdu.BasicHeaderSegmentSize + maxAdditionalHeaderLength + pdu.PaddedLength(int(wire.maxRecvDataSegmentLength))
	if wire.headerDigest {
		length += pdu.DigestSize
	}
	if wire.dataDigest {
		length += pdu.DigestSize
	}
	return max(length, receiveBufferSize)
}

// nextPDULength peeks through the next PDU and returns its length on the wire.
func nextPDULength(wire wireOptions, peek func(n int) ([]byte, error)) (int, error) {
	data, err := peek(pdu.BasicHeaderSegmentSize)
	if err != nil {
		return 0, err
	}
	var header pdu.BasicHeaderSegment
	copy(header[:], data)
	length := pdu.BasicHeaderSegmentSize + header.TotalAHSLength()
	if wire.headerDigest {
		length += pdu.DigestSize
	}
	if dataLength := header.DataSegmentLength(); dataLength > 0 {
		if dataLength > wire.maxRecvDataSegmentLength {
			return 0, fmt.Errorf("%w: %s announces %d bytes, limit is %d",
				errDataOverLimit, header.OpCode(), dataLength, wire.maxRecvDataSegmentLength)
		}
		length += pdu.PaddedLength(int(dataLength))
		if wire.dataDigest {
			length += pdu.DigestSize
		}
	}
	if _, err := peek(length); err != nil {
		return 0, err
	}
	return length, nil
}

// waitForPDU blocks until the next PDU is buffered in full, so that the
// header and data reads that follow never wait on the socket.
func (connection *connection) waitForPDU(wire wireOptions) error {
	connection.readLock.Lock()
	defer connection.readLock.Unlock()
	if size := wire.receiveBufferLength(); connection.reader.Size() < size {
		connection.reader = bufio.NewReaderSize(connection.reader, size)
	}
	if err := connection.discardPendingData(); err != nil {
		return err
	}
	_, err := nextPDULength(wire, connection.reader.Peek)
	return err
}

// pduBuffered reports whether the next PDU can be read without blocking.
func (connection *connection) pduBuffered(wire wireOptions) bool {
	connection.readLock.Lock()
	defer connection.readLock.Unlock()
	if connection.pendingDataLength > 0 {
		return false
	}
	_, err := nextPDULength(wire, func(n int) ([]byte, error) {
		if connection.reader.Buffered() < n {
			return nil, errIncompletePDU
		}
		return connection.reader.Peek(n)
	})
	return err == nil
}

func (connection *connection) captureWireOptions() wireOptions {
	return wireOptions{
		headerDigest:             connection.values[ConnectionHeaderDigest] == DigestCRC32C,
		dataDigest:               connection.values[ConnectionDataDigest] == DigestCRC32C,
		maxSendDataSegmentLength: connection.values[ConnectionMaxSendDataSegmentLength],
		maxRecvDataSegmentLength: connection.values[ConnectionMaxRecvDataSegmentLength],
	}
}

func (connection *connection) immediateDataLength(firstBurstLength uint32) uint32 {
	return min(firstBurstLength, connection.values[ConnectionMaxSendDataSegmentLength])
}
