// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"bytes"
	"encoding/binary"
	"io"
	"iscsiinitiator/pkg/pdu"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readExactly(t *testing.T, conn net.Conn, length int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buffer := make([]byte, length)
	_, err := io.ReadFull(conn, buffer)
	require.NoError(t, err)
	return buffer
}

func writeAll(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	_, err := conn.Write(data)
	require.NoError(t, err)
}

func TestSendPDUAlignsDataSegment(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	for _, length := range []int{0, 1, 3, 4, 5, 127} {
		data := bytes.Repeat([]byte{0xAB}, length)
		header, err := (&pdu.InitiatorHeader{Prefix: pdu.Prefix{OpCode: pdu.OpSCSIOut, Flags: pdu.FinalBit}}).Encode()
		require.NoError(t, err)
		require.NoError(t, manager.SendPDU(sessionId, connectionId, &header, data))

		wire := readExactly(t, targetSide, pdu.BasicHeaderSegmentSize+pdu.PaddedLength(length))
		var received pdu.BasicHeaderSegment
		copy(received[:], wire)
		assert.Equal(t, uint32(length), received.DataSegmentLength(), "length %d", length)
		assert.Equal(t, data, wire[pdu.BasicHeaderSegmentSize:pdu.BasicHeaderSegmentSize+length])
		for _, padding := range wire[pdu.BasicHeaderSegmentSize+length:] {
			assert.Zero(t, padding)
		}
		assert.Equal(t, 0, (len(wire)-pdu.BasicHeaderSegmentSize)%4)
	}
}

func TestAlignedDataSegmentRoundTrip(t *testing.T) {
	sender := newTestManager(t)
	receiver := newTestManager(t)
	senderSide, receiverSide := socketPair(t)
	sendSession, sendConnection, err := sender.CreateSession(testTargetName, testPortal, senderSide)
	require.NoError(t, err)
	require.NoError(t, sender.ActivateConnection(sendSession, sendConnection))
	recvSession, recvConnection, err := receiver.CreateSession(testTargetName, testPortal, receiverSide)
	require.NoError(t, err)
	require.NoError(t, receiver.ActivateConnection(recvSession, recvConnection))

	for _, length := range []int{1, 3, 4, 5, 127} {
		data := bytes.Repeat([]byte{byte(length)}, length)
		header, err := (&pdu.InitiatorHeader{Prefix: pdu.Prefix{OpCode: pdu.OpSCSIOut, Flags: pdu.FinalBit, InitiatorTaskTag: uint32(length)}}).Encode()
		require.NoError(t, err)
		require.NoError(t, sender.SendPDU(sendSession, sendConnection, &header, data))
		noop, err := (&pdu.InitiatorHeader{Prefix: pdu.Prefix{OpCode: pdu.OpNoopOut, Immediate: true, InitiatorTaskTag: pdu.ReservedTag}}).Encode()
		require.NoError(t, err)
		require.NoError(t, sender.SendPDU(sendSession, sendConnection, &noop, nil))

		received, err := receiver.RecvPDUHeader(recvSession, recvConnection)
		require.NoError(t, err)
		assert.Equal(t, uint32(length), received.InitiatorTaskTag())
		assert.Equal(t, uint32(length), received.DataSegmentLength())
		buffer := make([]byte, 128)
		count, err := receiver.RecvPDUData(recvSession, recvConnection, buffer)
		require.NoError(t, err)
		assert.Equal(t, data, buffer[:count], "length %d", length)

		next, err := receiver.RecvPDUHeader(recvSession, recvConnection)
		require.NoError(t, err)
		assert.Equal(t, pdu.OpNoopOut, next.OpCode(), "length %d", length)
		assert.Equal(t, pdu.ReservedTag, next.InitiatorTaskTag())
	}
}

func TestSendPDUStampsSequenceNumbers(t *testing.T) {
	manager := newTestManager(t)
	initiatorSide, targetSide := socketPair(t)
	sessionId, connectionId, err := manager.CreateSession(testTargetName, testPortal, initiatorSide)
	require.NoError(t, err)
	require.NoError(t, manager.SetConnectionParameter(sessionId, connectionId, ConnectionInitialExpStatSN, 77))
	require.NoError(t, manager.SetSessionParameter(sessionId, SessionCommandSequenceNumber, 10))
	require.NoError(t, manager.ActivateConnection(sessionId, connectionId))

	send := func(opCode pdu.OpCode, immediate bool) pdu.BasicHeaderSegment {
		header, err := (&pdu.InitiatorHeader{Prefix: pdu.Prefix{OpCode: opCode, Immediate: immediate}}).Encode()
		require.NoError(t, err)
		require.NoError(t, manager.SendPDU(sessionId, connectionId, &header, nil))
		var received pdu.BasicHeaderSegment
		copy(received[:], readExactly(t, targetSide, pdu.BasicHeaderSegmentSize))
		assert.Equal(t, header, received)
		return received
	}

	command := send(pdu.OpSCSICmd, false)
	assert.Equal(t, uint32(10), command.CmdSN())
	assert.Equal(t, uint32(77), command.ExpStatSN())
	immediate := send(pdu.OpNoopOut, true)
	assert.Equal(t, uint32(11), immediate.CmdSN())
	dataOut := send(pdu.OpSCSIOut, false)
	assert.Equal(t, uint32(0), dataOut.CmdSN())
	assert.Equal(t, uint32(77), dataOut.ExpStatSN())

	cmdSN, err := manager.GetSessionParameter(sessionId, SessionCommandSequenceNumber)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), cmdSN)
}

func TestSendPDURequiresActiveConnection(t *testing.T) {
	manager := newTestManager(t)
	conn, _ := socketPair(t)
	sessionId, connectionId, err := manager.CreateSession(testTargetName, testPortal, conn)
	require.NoError(t, err)
	var header pdu.BasicHeaderSegment

	err = manager.SendPDU(sessionId, connectionId, &header, nil)
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = manager.RecvPDUHeader(sessionId, connectionId)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = manager.RecvPDUData(sessionId, connectionId, make([]byte, 8))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, manager.SendPDU(sessionId, 1, &header, nil), ErrNotFound)
}

func TestSendPDURespectsMaxSendDataSegmentLength(t *testing.T) {
	manager := newTestManager(t)
	conn, _ := socketPair(t)
	sessionId, connectionId, err := manager.CreateSession(testTargetName, testPortal, conn)
	require.NoError(t, err)
	require.NoError(t, manager.SetConnectionParameter(sessionId, connectionId, ConnectionMaxSendDataSegmentLength, 16))
	require.NoError(t, manager.ActivateConnection(sessionId, connectionId))

	var header pdu.BasicHeaderSegment
	assert.ErrorIs(t, manager.SendPDU(sessionId, connectionId, &header, make([]byte, 17)), ErrInvalidArgument)
	assert.ErrorIs(t, manager.SendPDU(sessionId, connectionId, nil, nil), ErrInvalidArgument)
}

func TestRecvPDUUpdatesSequenceState(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	response := pdu.TargetHeader{
		Prefix:   pdu.Prefix{OpCode: pdu.OpSCSIResp, Flags: pdu.FinalBit, InitiatorTaskTag: 9},
		StatSN:   5,
		ExpCmdSN: 1,
		MaxCmdSN: 10,
	}
	writeAll(t, targetSide, targetPDU(t, response, []byte("hello")))

	header, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	assert.Equal(t, pdu.OpSCSIResp, header.OpCode())
	assert.Equal(t, uint32(9), header.InitiatorTaskTag())
	assert.Equal(t, uint32(5), header.DataSegmentLength())
	pending, err := manager.PendingDataLength(sessionId, connectionId)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), pending)

	buffer := make([]byte, 64)
	received, err := manager.RecvPDUData(sessionId, connectionId, buffer)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buffer[:received]))

	info, err := manager.GetSessionInfo(sessionId)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), info.Connections[0].ExpStatSN)
	assert.Equal(t, uint32(1), info.ExpCmdSN)
	assert.Equal(t, uint32(10), info.MaxCmdSN)

	// A stale window never moves the numbers back.
	response.StatSN = 6
	response.ExpCmdSN = 0
	response.MaxCmdSN = 8
	writeAll(t, targetSide, targetPDU(t, response, nil))
	_, err = manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	maxCmdSN, err := manager.GetSessionParameter(sessionId, SessionMaxCommandSequenceNumber)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), maxCmdSN)
}

func TestFirstCommandWindowIsAccepted(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	nop := pdu.TargetHeader{
		Prefix:   pdu.Prefix{OpCode: pdu.OpNoopIn, Flags: pdu.FinalBit, InitiatorTaskTag: pdu.ReservedTag},
		ExpCmdSN: 0x90000000,
		MaxCmdSN: 0x90000010,
	}
	writeAll(t, targetSide, targetPDU(t, nop, nil))
	_, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	info, err := manager.GetSessionInfo(sessionId)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x90000000), info.ExpCmdSN)
	assert.Equal(t, uint32(0x90000010), info.MaxCmdSN)

	// Later windows are compared with serial arithmetic.
	nop.ExpCmdSN = 0x8ffffff0
	nop.MaxCmdSN = 0x90000000
	writeAll(t, targetSide, targetPDU(t, nop, nil))
	_, err = manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	info, err = manager.GetSessionInfo(sessionId)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x90000000), info.ExpCmdSN)
	assert.Equal(t, uint32(0x90000010), info.MaxCmdSN)
}

func TestRecvPDURecordsR2TSN(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	ready := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpReady, Flags: pdu.FinalBit}, StatSN: 3}
	binary.BigEndian.PutUint32(ready.Specific[0:4], 7)
	writeAll(t, targetSide, targetPDU(t, ready, nil))
	_, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)

	info, err := manager.GetSessionInfo(sessionId)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), info.Connections[0].R2TSN)
	// R2T does not carry status.
	assert.Equal(t, uint32(0), info.Connections[0].ExpStatSN)
}

func TestShortBufferKeepsFraming(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	dataIn := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpSCSIIn}}
	noop := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpNoopIn, InitiatorTaskTag: pdu.ReservedTag}}
	stream := append(targetPDU(t, dataIn, []byte("0123456789")), targetPDU(t, noop, nil)...)
	writeAll(t, targetSide, stream)

	_, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	buffer := make([]byte, 4)
	received, err := manager.RecvPDUData(sessionId, connectionId, buffer)
	require.NoError(t, err)
	assert.Equal(t, 4, received)
	assert.Equal(t, "0123", string(buffer))

	header, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	assert.Equal(t, pdu.OpNoopIn, header.OpCode())
}

func TestUnreadDataIsDiscarded(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	text := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpTextResp, Flags: pdu.FinalBit}}
	logout := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpLogoutResp, Flags: pdu.FinalBit}}
	writeAll(t, targetSide, append(targetPDU(t, text, []byte("Key=Value\x00")), targetPDU(t, logout, nil)...))

	_, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	_, err = manager.RecvPDUData(sessionId, connectionId, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	header, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	assert.Equal(t, pdu.OpLogoutResp, header.OpCode())
	received, err := manager.RecvPDUData(sessionId, connectionId, make([]byte, 4))
	require.NoError(t, err)
	assert.Zero(t, received)
}

func TestAdditionalHeaderSegmentsAreSkipped(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	response := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpSCSIResp, TotalAHSLength: 2, DataSegmentLength: 4}}
	bhs, err := response.Encode()
	require.NoError(t, err)
	stream := append(bhs[:], bytes.Repeat([]byte{0xEE}, 8)...)
	stream = append(stream, []byte("data")...)
	writeAll(t, targetSide, stream)

	header, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	assert.Equal(t, 8, header.TotalAHSLength())
	buffer := make([]byte, 4)
	_, err = manager.RecvPDUData(sessionId, connectionId, buffer)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buffer))
}

func TestUnknownOpCodeIsDelivered(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	unknown := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpCode(0x3c)}}
	writeAll(t, targetSide, targetPDU(t, unknown, nil))
	header, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	assert.Equal(t, pdu.OpCode(0x3c), header.OpCode())
	assert.False(t, header.OpCode().Known())
}

func withDigests(t *testing.T, manager *SessionManager) (SessionID, ConnectionID, net.Conn) {
	t.Helper()
	initiatorSide, targetSide := socketPair(t)
	sessionId, connectionId, err := manager.CreateSession(testTargetName, testPortal, initiatorSide)
	require.NoError(t, err)
	require.NoError(t, manager.SetConnectionParameter(sessionId, connectionId, ConnectionHeaderDigest, DigestCRC32C))
	require.NoError(t, manager.SetConnectionParameter(sessionId, connectionId, ConnectionDataDigest, DigestCRC32C))
	require.NoError(t, manager.ActivateConnection(sessionId, connectionId))
	return sessionId, connectionId, targetSide
}

func TestSendPDUWithDigests(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := withDigests(t, manager)

	header, err := (&pdu.InitiatorHeader{Prefix: pdu.Prefix{OpCode: pdu.OpTextReq, Flags: pdu.FinalBit}}).Encode()
	require.NoError(t, err)
	data := []byte("abc")
	require.NoError(t, manager.SendPDU(sessionId, connectionId, &header, data))

	wire := readExactly(t, targetSide, pdu.BasicHeaderSegmentSize+pdu.DigestSize+4+pdu.DigestSize)
	headerEnd := pdu.BasicHeaderSegmentSize
	assert.Equal(t, pdu.Digest(wire[:headerEnd]), pdu.UnmarshalDigest(wire[headerEnd:headerEnd+pdu.DigestSize]))
	dataStart := headerEnd + pdu.DigestSize
	assert.Equal(t, []byte("abc\x00"), wire[dataStart:dataStart+4])
	assert.Equal(t, pdu.Digest(wire[dataStart:dataStart+4]), pdu.UnmarshalDigest(wire[dataStart+4:]))
}

func digestedTargetPDU(t *testing.T, header pdu.TargetHeader, data []byte, corruptData bool) []byte {
	t.Helper()
	header.DataSegmentLength = uint32(len(data))
	bhs, err := header.Encode()
	require.NoError(t, err)
	headerDigest := pdu.MarshalDigest(pdu.Digest(bhs[:]))
	stream := append(bhs[:], headerDigest[:]...)
	if len(data) == 0 {
		return stream
	}
	padded := append(append([]byte(nil), data...), pdu.Padding(len(data))...)
	dataDigest := pdu.MarshalDigest(pdu.Digest(padded))
	if corruptData {
		dataDigest[0] ^= 0xFF
	}
	stream = append(stream, padded...)
	return append(stream, dataDigest[:]...)
}

func TestRecvPDUVerifiesDigests(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := withDigests(t, manager)

	response := pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpTextResp, Flags: pdu.FinalBit}, StatSN: 1}
	writeAll(t, targetSide, digestedTargetPDU(t, response, []byte("TargetAlias=disk"), false))
	_, err := manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	buffer := make([]byte, 64)
	received, err := manager.RecvPDUData(sessionId, connectionId, buffer)
	require.NoError(t, err)
	assert.Equal(t, "TargetAlias=disk", string(buffer[:received]))

	// Digest of a partially delivered segment still covers all of it.
	writeAll(t, targetSide, digestedTargetPDU(t, response, []byte("TargetAlias=disk"), false))
	_, err = manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	received, err = manager.RecvPDUData(sessionId, connectionId, buffer[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, received)

	writeAll(t, targetSide, digestedTargetPDU(t, response, []byte("x"), true))
	_, err = manager.RecvPDUHeader(sessionId, connectionId)
	require.NoError(t, err)
	_, err = manager.RecvPDUData(sessionId, connectionId, buffer)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, pdu.ErrDigestMismatch)
}

func TestRecvPDURejectsCorruptHeaderDigest(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := withDigests(t, manager)

	stream := digestedTargetPDU(t, pdu.TargetHeader{Prefix: pdu.Prefix{OpCode: pdu.OpNoopIn}}, nil, false)
	stream[pdu.BasicHeaderSegmentSize] ^= 0x01
	writeAll(t, targetSide, stream)
	_, err := manager.RecvPDUHeader(sessionId, connectionId)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, pdu.ErrDigestMismatch)
}

func TestRecvPDUReportsClosedPeer(t *testing.T) {
	manager := newTestManager(t)
	sessionId, connectionId, targetSide := newActiveSession(t, manager)

	// Half a header followed by EOF.
	writeAll(t, targetSide, make([]byte, 20))
	require.NoError(t, targetSide.Close())
	_, err := manager.RecvPDUHeader(sessionId, connectionId)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
