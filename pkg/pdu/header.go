// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	BasicHeaderSegmentSize = 48
	// MaxDataSegmentLength is the largest value of the 3-byte DataSegmentLength field.
	MaxDataSegmentLength = 1<<24 - 1
	// ReservedTag marks an unused initiator or target transfer tag.
	ReservedTag uint32 = 0xFFFFFFFF
)

// Byte offsets inside the basic header segment.
const (
	indexOpCode            = 0
	indexFlags             = 1
	indexOpCodeSpecific    = 2
	indexTotalAHSLength    = 4
	indexDataSegmentLength = 5
	indexLUN               = 8
	indexInitiatorTaskTag  = 16
	indexTargetTransferTag = 20
	indexCmdSN             = 24
	indexStatSN            = 24
	indexExpStatSN         = 28
	indexExpCmdSN          = 28
	indexMaxCmdSN          = 32
	indexInitiatorSpecific = 32
	indexTargetSpecific    = 36
)

var (
	ErrInvalidOpCode      = errors.New("opcode does not fit in 6 bits")
	ErrDataSegmentTooLong = errors.New("data segment length exceeds 24 bits")
)

// BasicHeaderSegment is the raw 48-byte header exactly as transmitted.
type BasicHeaderSegment [BasicHeaderSegmentSize]byte

func (bhs *BasicHeaderSegment) OpCode() OpCode {
	return OpCode(bhs[indexOpCode] & OpCodeMask)
}

func (bhs *BasicHeaderSegment) Immediate() bool {
	return bhs[indexOpCode]&ImmediateBit != 0
}

func (bhs *BasicHeaderSegment) Final() bool {
	return bhs[indexFlags]&FinalBit != 0
}

func (bhs *BasicHeaderSegment) Flags() byte {
	return bhs[indexFlags]
}

// TotalAHSLength returns the additional header length in bytes.
func (bhs *BasicHeaderSegment) TotalAHSLength() int {
	return int(bhs[indexTotalAHSLength]) * 4
}

func (bhs *BasicHeaderSegment) DataSegmentLength() uint32 {
	return uint32FromBytes(bhs[indexDataSegmentLength : indexDataSegmentLength+3])
}

func (bhs *BasicHeaderSegment) SetDataSegmentLength(length uint32) error {
	if length > MaxDataSegmentLength {
		return fmt.Errorf("%w: %d", ErrDataSegmentTooLong, length)
	}
	putUint24(bhs[indexDataSegmentLength:], length)
	return nil
}

func (bhs *BasicHeaderSegment) InitiatorTaskTag() uint32 {
	return binary.BigEndian.Uint32(bhs[indexInitiatorTaskTag:])
}

func (bhs *BasicHeaderSegment) TargetTransferTag() uint32 {
	return binary.BigEndian.Uint32(bhs[indexTargetTransferTag:])
}

func (bhs *BasicHeaderSegment) CmdSN() uint32 {
	return binary.BigEndian.Uint32(bhs[indexCmdSN:])
}

func (bhs *BasicHeaderSegment) SetCmdSN(value uint32) {
	binary.BigEndian.PutUint32(bhs[indexCmdSN:], value)
}

func (bhs *BasicHeaderSegment) ExpStatSN() uint32 {
	return binary.BigEndian.Uint32(bhs[indexExpStatSN:])
}

func (bhs *BasicHeaderSegment) SetExpStatSN(value uint32) {
	binary.BigEndian.PutUint32(bhs[indexExpStatSN:], value)
}

func (bhs *BasicHeaderSegment) StatSN() uint32 {
	return binary.BigEndian.Uint32(bhs[indexStatSN:])
}

func (bhs *BasicHeaderSegment) ExpCmdSN() uint32 {
	return binary.BigEndian.Uint32(bhs[indexExpCmdSN:])
}

func (bhs *BasicHeaderSegment) MaxCmdSN() uint32 {
	return binary.BigEndian.Uint32(bhs[indexMaxCmdSN:])
}

func (bhs *BasicHeaderSegment) String() string {
	return fmt.Sprintf(
		"%s immediate=%t final=%t itt=0x%08x dlength=%d",
		bhs.OpCode(), bhs.Immediate(), bhs.Final(), bhs.InitiatorTaskTag(), bhs.DataSegmentLength(),
	)
}

// Prefix holds the fields every header shape shares (bytes 0 to 19).
type Prefix struct {
	OpCode            OpCode
	Immediate         bool
	Flags             byte
	OpCodeSpecific    [2]byte
	TotalAHSLength    uint8
	DataSegmentLength uint32
	LUN               uint64
	InitiatorTaskTag  uint32
}

func (prefix *Prefix) put(bhs *BasicHeaderSegment) error {
	if byte(prefix.OpCode)&^OpCodeMask != 0 {
		return fmt.Errorf("%w: 0x%02x", ErrInvalidOpCode, byte(prefix.OpCode))
	}
	opCode := byte(prefix.OpCode)
	if prefix.Immediate {
		opCode |= ImmediateBit
	}
	bhs[indexOpCode] = opCode
	bhs[indexFlags] = prefix.Flags
	copy(bhs[indexOpCodeSpecific:indexTotalAHSLength], prefix.OpCodeSpecific[:])
	bhs[indexTotalAHSLength] = prefix.TotalAHSLength
	if err := bhs.SetDataSegmentLength(prefix.DataSegmentLength); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(bhs[indexLUN:], prefix.LUN)
	binary.BigEndian.PutUint32(bhs[indexInitiatorTaskTag:], prefix.InitiatorTaskTag)
	return nil
}

func (prefix *Prefix) get(bhs *BasicHeaderSegment) {
	prefix.OpCode = bhs.OpCode()
	prefix.Immediate = bhs.Immediate()
	prefix.Flags = bhs[indexFlags]
	copy(prefix.OpCodeSpecific[:], bhs[indexOpCodeSpecific:indexTotalAHSLength])
	prefix.TotalAHSLength = bhs[indexTotalAHSLength]
	prefix.DataSegmentLength = bhs.DataSegmentLength()
	prefix.LUN = binary.BigEndian.Uint64(bhs[indexLUN:])
	prefix.InitiatorTaskTag = bhs.InitiatorTaskTag()
}

// Common is the generic header shape: the shared prefix plus 28 opaque bytes.
type Common struct {
	Prefix
	Specific [BasicHeaderSegmentSize - indexTargetTransferTag]byte
}

func (header *Common) Encode() (BasicHeaderSegment, error) {
	var bhs BasicHeaderSegment
	if err := header.put(&bhs); err != nil {
		return bhs, err
	}
	copy(bhs[indexTargetTransferTag:], header.Specific[:])
	return bhs, nil
}

func DecodeCommon(bhs *BasicHeaderSegment) Common {
	header := Common{}
	header.get(bhs)
	copy(header.Specific[:], bhs[indexTargetTransferTag:])
	return header
}

// InitiatorHeader is the shape of PDUs sent by the initiator.
type InitiatorHeader struct {
	Prefix
	TargetTransferTag uint32
	CmdSN             uint32
	ExpStatSN         uint32
	Specific          [BasicHeaderSegmentSize - indexInitiatorSpecific]byte
}

func (header *InitiatorHeader) Encode() (BasicHeaderSegment, error) {
	var bhs BasicHeaderSegment
	if err := header.put(&bhs); err != nil {
		return bhs, err
	}
	binary.BigEndian.PutUint32(bhs[indexTargetTransferTag:], header.TargetTransferTag)
	binary.BigEndian.PutUint32(bhs[indexCmdSN:], header.CmdSN)
	binary.BigEndian.PutUint32(bhs[indexExpStatSN:], header.ExpStatSN)
	copy(bhs[indexInitiatorSpecific:], header.Specific[:])
	return bhs, nil
}

func DecodeInitiator(bhs *BasicHeaderSegment) InitiatorHeader {
	header := InitiatorHeader{}
	header.get(bhs)
	header.TargetTransferTag = bhs.TargetTransferTag()
	header.CmdSN = bhs.CmdSN()
	header.ExpStatSN = bhs.ExpStatSN()
	copy(header.Specific[:], bhs[indexInitiatorSpecific:])
	return header
}

// TargetHeader is the shape of PDUs sent by the target.
type TargetHeader struct {
	Prefix
	TargetTransferTag uint32
	StatSN            uint32
	ExpCmdSN          uint32
	MaxCmdSN          uint32
	Specific          [BasicHeaderSegmentSize - indexTargetSpecific]byte
}

func (header *TargetHeader) Encode() (BasicHeaderSegment, error) {
	var bhs BasicHeaderSegment
	if err := header.put(&bhs); err != nil {
		return bhs, err
	}
	binary.BigEndian.PutUint32(bhs[indexTargetTransferTag:], header.TargetTransferTag)
	binary.BigEndian.PutUint32(bhs[indexStatSN:], header.StatSN)
	binary.BigEndian.PutUint32(bhs[indexExpCmdSN:], header.ExpCmdSN)
	binary.BigEndian.PutUint32(bhs[indexMaxCmdSN:], header.MaxCmdSN)
	copy(bhs[indexTargetSpecific:], header.Specific[:])
	return bhs, nil
}

func DecodeTarget(bhs *BasicHeaderSegment) TargetHeader {
	header := TargetHeader{}
	header.get(bhs)
	header.TargetTransferTag = bhs.TargetTransferTag()
	header.StatSN = bhs.StatSN()
	header.ExpCmdSN = bhs.ExpCmdSN()
	header.MaxCmdSN = bhs.MaxCmdSN()
	copy(header.Specific[:], bhs[indexTargetSpecific:])
	return header
}

// CarriesStatus reports whether StatSN of a target PDU advances the expected status number.
func (header *TargetHeader) CarriesStatus() bool {
	switch header.OpCode {
	case OpSCSIResp, OpSCSITaskResp, OpLoginResp, OpTextResp, OpLogoutResp, OpReject, OpAsync:
		return true
	case OpNoopIn:
		return header.InitiatorTaskTag != ReservedTag
	case OpSCSIIn:
		return header.Flags&StatusBit != 0
	}
	return false
}

// R2TSN is meaningful for Ready To Transfer PDUs only.
func (header *TargetHeader) R2TSN() uint32 {
	return binary.BigEndian.Uint32(header.Specific[0:4])
}

// AsyncEvent returns the event code of an Asynchronous Message PDU.
func (header *TargetHeader) AsyncEvent() byte {
	return header.Specific[0]
}

func (header *TargetHeader) AsyncVendorCode() byte {
	return header.Specific[1]
}

// AsyncParameters returns Parameter1..3 of an Asynchronous Message PDU.
func (header *TargetHeader) AsyncParameters() [3]uint16 {
	return [3]uint16{
		binary.BigEndian.Uint16(header.Specific[2:4]),
		binary.BigEndian.Uint16(header.Specific[4:6]),
		binary.BigEndian.Uint16(header.Specific[6:8]),
	}
}

// uint32FromBytes parses the given slice as a network-byte-ordered integer.
func uint32FromBytes(data []byte) uint32 {
	var out uint32
	for i := 0; i < len(data); i++ {
		out += uint32(data[len(data)-i-1]) << uint(8*i)
	}
	return out
}

func putUint24(data []byte, value uint32) {
	data[0] = byte(value >> 16)
	data[1] = byte(value >> 8)
	data[2] = byte(value)
}
