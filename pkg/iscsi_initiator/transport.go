// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"
	"io"
	"iscsiinitiator/pkg/logger"
	"iscsiinitiator/pkg/pdu"
	"net"
)

// activeConnection resolves a connection that accepts PDU traffic. The
// returned wire options are the ones captured on activation.
func (manager *SessionManager) activeConnection(op string, sessionId SessionID, connectionId ConnectionID) (*session, *connection, wireOptions, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, connection, err := manager.connectionLocked(op, sessionId, connectionId)
	if err != nil {
		return nil, nil, wireOptions{}, err
	}
	if !connection.activated {
		return nil, nil, wireOptions{}, operationError(op, sessionId, connectionId, ErrNotAttached, "connection is not active")
	}
	return session, connection, connection.wire, nil
}

// SendPDU writes the header, the data segment, zero padding up to a 4-byte
// boundary and any negotiated digests. The header is updated in place with
// the data segment length, ExpStatSN and, for commands, the CmdSN that were sent.
func (manager *SessionManager) SendPDU(sessionId SessionID, connectionId ConnectionID, header *pdu.BasicHeaderSegment, data []byte) error {
	const op = "SendPDU"
	session, connection, wire, err := manager.activeConnection(op, sessionId, connectionId)
	if err != nil {
		return err
	}
	if header == nil {
		return operationError(op, sessionId, connectionId, ErrInvalidArgument, "no header")
	}
	if len(data) > pdu.MaxDataSegmentLength {
		return operationError(op, sessionId, connectionId, ErrInvalidArgument, "data segment of %d bytes does not fit the length field", len(data))
	}
	if wire.maxSendDataSegmentLength != 0 && uint32(len(data)) > wire.maxSendDataSegmentLength {
		return operationError(op, sessionId, connectionId, ErrInvalidArgument,
			"data segment of %d bytes exceeds MaxSendDataSegmentLength %d", len(data), wire.maxSendDataSegmentLength)
	}

	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	if err := header.SetDataSegmentLength(uint32(len(data))); err != nil {
		return &OperationError{Op: op, SessionID: sessionId, ConnectionID: connectionId, Kind: ErrInvalidArgument, Err: err}
	}
	opCode := header.OpCode()
	if opCode.FromInitiator() {
		header.SetExpStatSN(connection.expStatSN.Load())
		if opCode.CarriesCmdSN() {
			header.SetCmdSN(session.nextCmdSN(header.Immediate()))
		}
	}

	buffers := net.Buffers{header[:]}
	if wire.headerDigest {
		digest := pdu.MarshalDigest(pdu.Digest(header[:]))
		buffers = append(buffers, digest[:])
	}
	if len(data) > 0 {
		padding := pdu.Padding(len(data))
		buffers = append(buffers, data)
		if len(padding) > 0 {
			buffers = append(buffers, padding)
		}
		if wire.dataDigest {
			digest := pdu.MarshalDigest(pdu.Digest(data, padding))
			buffers = append(buffers, digest[:])
		}
	}
	wireLength := 0
	for _, buffer := range buffers {
		wireLength += len(buffer)
	}
	written, err := buffers.WriteTo(connection.networkConnection)
	if err != nil {
		if manager.metrics != nil {
			manager.metrics.TransportError("send")
		}
		logger.WithConnection(sessionId, connectionId).Warnf("send of %s failed after %d of %d bytes: %v", opCode, written, wireLength, err)
		return ioError(op, sessionId, connectionId, err)
	}
	if manager.metrics != nil {
		manager.metrics.PDUSent(opCode.String(), wireLength)
	}
	logger.WithConnection(sessionId, connectionId).Debugf("sent %s", header)
	return nil
}

// RecvPDUHeader blocks until a complete basic header segment has been read.
// Data left unread from the previous PDU is discarded first. Headers with
// unknown opcodes are returned as is.
func (manager *SessionManager) RecvPDUHeader(sessionId SessionID, connectionId ConnectionID) (pdu.BasicHeaderSegment, error) {
	const op = "RecvPDUHeader"
	var header pdu.BasicHeaderSegment
	session, connection, wire, err := manager.activeConnection(op, sessionId, connectionId)
	if err != nil {
		return header, err
	}

	connection.readLock.Lock()
	defer connection.readLock.Unlock()
	if err := connection.discardPendingData(); err != nil {
		return header, manager.receiveFailed(op, sessionId, connectionId, err)
	}
	if _, err := io.ReadFull(connection.reader, header[:]); err != nil {
		return header, manager.receiveFailed(op, sessionId, connectionId, err)
	}
	wireLength := pdu.BasicHeaderSegmentSize
	var additionalHeader []byte
	if length := header.TotalAHSLength(); length > 0 {
		additionalHeader = make([]byte, length)
		if _, err := io.ReadFull(connection.reader, additionalHeader); err != nil {
			return header, manager.receiveFailed(op, sessionId, connectionId, err)
		}
		wireLength += length
	}
	if wire.headerDigest {
		var received [pdu.DigestSize]byte
		if _, err := io.ReadFull(connection.reader, received[:]); err != nil {
			return header, manager.receiveFailed(op, sessionId, connectionId, err)
		}
		if expected := pdu.Digest(header[:], additionalHeader); pdu.UnmarshalDigest(received[:]) != expected {
			return header, manager.receiveFailed(op, sessionId, connectionId,
				fmt.Errorf("%w: header digest 0x%08x, computed 0x%08x", pdu.ErrDigestMismatch, pdu.UnmarshalDigest(received[:]), expected))
		}
		wireLength += pdu.DigestSize
	}

	dataLength := header.DataSegmentLength()
	connection.pendingDataLength = dataLength
	connection.pendingDataDigest = wire.dataDigest && dataLength > 0
	if dataLength > 0 {
		wireLength += pdu.PaddedLength(int(dataLength))
		if connection.pendingDataDigest {
			wireLength += pdu.DigestSize
		}
	}

	if !header.OpCode().FromInitiator() {
		targetHeader := pdu.DecodeTarget(&header)
		if targetHeader.CarriesStatus() {
			connection.expStatSN.Store(targetHeader.StatSN + 1)
		}
		session.updateCommandWindow(targetHeader.ExpCmdSN, targetHeader.MaxCmdSN)
		if targetHeader.OpCode == pdu.OpReady {
			connection.r2tSN.Store(targetHeader.R2TSN())
		}
	}
	if manager.metrics != nil {
		manager.metrics.PDUReceived(header.OpCode().String(), wireLength)
	}
	if !header.OpCode().Known() {
		logger.WithConnection(sessionId, connectionId).Warnf("received %s, passing it on", header.OpCode())
	}
	logger.WithConnection(sessionId, connectionId).Debugf("received %s", &header)
	return header, nil
}

// RecvPDUData reads the data segment announced by the last header into buffer.
// When buffer is shorter than the segment only len(buffer) bytes are delivered
// and the rest, padding included, is drained so the next header stays framed.
func (manager *SessionManager) RecvPDUData(sessionId SessionID, connectionId ConnectionID, buffer []byte) (int, error) {
	const op = "RecvPDUData"
	_, connection, _, err := manager.activeConnection(op, sessionId, connectionId)
	if err != nil {
		return 0, err
	}

	connection.readLock.Lock()
	defer connection.readLock.Unlock()
	remaining := int(connection.pendingDataLength)
	if remaining == 0 {
		return 0, nil
	}
	if len(buffer) == 0 {
		return 0, operationError(op, sessionId, connectionId, ErrInvalidArgument, "empty buffer for %d bytes of data", remaining)
	}
	checkDigest := connection.pendingDataDigest
	connection.pendingDataLength = 0
	connection.pendingDataDigest = false

	delivered := min(len(buffer), remaining)
	if _, err := io.ReadFull(connection.reader, buffer[:delivered]); err != nil {
		return 0, manager.receiveFailed(op, sessionId, connectionId, err)
	}
	digest := pdu.NewDigest()
	var sink io.Writer = io.Discard
	if checkDigest {
		_, _ = digest.Write(buffer[:delivered])
		sink = digest
	}
	if rest := int64(remaining - delivered + pdu.PaddingLength(remaining)); rest > 0 {
		if _, err := io.CopyN(sink, connection.reader, rest); err != nil {
			return 0, manager.receiveFailed(op, sessionId, connectionId, err)
		}
	}
	if checkDigest {
		var received [pdu.DigestSize]byte
		if _, err := io.ReadFull(connection.reader, received[:]); err != nil {
			return 0, manager.receiveFailed(op, sessionId, connectionId, err)
		}
		if pdu.UnmarshalDigest(received[:]) != digest.Sum32() {
			return 0, manager.receiveFailed(op, sessionId, connectionId,
				fmt.Errorf("%w: data digest 0x%08x, computed 0x%08x", pdu.ErrDigestMismatch, pdu.UnmarshalDigest(received[:]), digest.Sum32()))
		}
	}
	if delivered < remaining {
		logger.WithConnection(sessionId, connectionId).Debugf("delivered %d of %d data bytes, drained the rest", delivered, remaining)
	}
	return delivered, nil
}

// discardPendingData skips the data segment of a header whose data was never read.
func (connection *connection) discardPendingData() error {
	remaining := int(connection.pendingDataLength)
	if remaining == 0 {
		return nil
	}
	skip := int64(pdu.PaddedLength(remaining))
	if connection.pendingDataDigest {
		skip += pdu.DigestSize
	}
	connection.pendingDataLength = 0
	connection.pendingDataDigest = false
	_, err := io.CopyN(io.Discard, connection.reader, skip)
	return err
}

func (manager *SessionManager) receiveFailed(op string, sessionId SessionID, connectionId ConnectionID, cause error) error {
	if manager.metrics != nil {
		manager.metrics.TransportError("receive")
	}
	logger.WithConnection(sessionId, connectionId).Warnf("%s failed: %v", op, cause)
	return ioError(op, sessionId, connectionId, cause)
}

// receiveAvailablePDU is the workloop action: one header and data cycle.
func (manager *SessionManager) receiveAvailablePDU(source *eventSource) error {
	sessionId, connectionId := source.sessionId, source.connectionId
	header, err := manager.RecvPDUHeader(sessionId, connectionId)
	if err != nil {
		return err
	}
	var data []byte
	if length := header.DataSegmentLength(); length > 0 {
		limit := source.wire.maxRecvDataSegmentLength
		data = make([]byte, min(length, limit))
		received, err := manager.RecvPDUData(sessionId, connectionId, data)
		if err != nil {
			return err
		}
		data = data[:received]
	}
	if header.OpCode() == pdu.OpAsync {
		targetHeader := pdu.DecodeTarget(&header)
		manager.notifier.publish(Notification{
			Kind:            NotificationAsyncEvent,
			SessionID:       sessionId,
			ConnectionID:    connectionId,
			AsyncEvent:      AsyncEventCode(targetHeader.AsyncEvent()),
			AsyncVendorCode: targetHeader.AsyncVendorCode(),
			Parameters:      targetHeader.AsyncParameters(),
			Time:            manager.clock(),
		})
	}
	if manager.handler != nil {
		manager.handler(sessionId, connectionId, &header, data)
	}
	return nil
}

// connectionFailed runs on the workloop when a readable socket turned out broken.
func (manager *SessionManager) connectionFailed(source *eventSource, cause error) {
	logger.WithConnection(source.sessionId, source.connectionId).Warnf("connection dropped: %v", cause)
	manager.accessLock.Lock()
	session := manager.sessions[source.sessionId]
	if session != nil {
		if connection := session.connection(source.connectionId); connection == source.connection {
			manager.deactivateLocked(session, connection)
		}
	}
	manager.accessLock.Unlock()
	manager.notifier.publish(Notification{
		Kind:         NotificationTimeout,
		SessionID:    source.sessionId,
		ConnectionID: source.connectionId,
		Reason:       cause.Error(),
		Time:         manager.clock(),
	})
}
