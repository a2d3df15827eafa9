// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import "fmt"

type OpCode byte

const (
	// Defined on the initiator.
	OpNoopOut     OpCode = 0x00
	OpSCSICmd     OpCode = 0x01
	OpSCSITaskReq OpCode = 0x02
	OpLoginReq    OpCode = 0x03
	OpTextReq     OpCode = 0x04
	OpSCSIOut     OpCode = 0x05
	OpLogoutReq   OpCode = 0x06
	OpSNACKReq    OpCode = 0x10
	// Defined on the target.
	OpNoopIn       OpCode = 0x20
	OpSCSIResp     OpCode = 0x21
	OpSCSITaskResp OpCode = 0x22
	OpLoginResp    OpCode = 0x23
	OpTextResp     OpCode = 0x24
	OpSCSIIn       OpCode = 0x25
	OpLogoutResp   OpCode = 0x26
	OpReady        OpCode = 0x31
	OpAsync        OpCode = 0x32
	OpReject       OpCode = 0x3f
)

const (
	OpCodeMask   byte = 0x3F
	ImmediateBit byte = 0x40
	FinalBit     byte = 0x80
	// StatusBit marks a Data-In PDU carrying the SCSI status.
	StatusBit byte = 0x01
)

var opCodeMap = map[OpCode]string{
	OpNoopOut:      "NOP-Out",
	OpSCSICmd:      "SCSI Command",
	OpSCSITaskReq:  "SCSI Task Management Function Request",
	OpLoginReq:     "Login Request",
	OpTextReq:      "Text Request",
	OpSCSIOut:      "SCSI Data-Out (write)",
	OpLogoutReq:    "Logout Request",
	OpSNACKReq:     "SNACK Request",
	OpNoopIn:       "NOP-In",
	OpSCSIResp:     "SCSI Response",
	OpSCSITaskResp: "SCSI Task Management Function Response",
	OpLoginResp:    "Login Response",
	OpTextResp:     "Text Response",
	OpSCSIIn:       "SCSI Data-In (read)",
	OpLogoutResp:   "Logout Response",
	OpReady:        "Ready To Transfer (R2T)",
	OpAsync:        "Asynchronous Message",
	OpReject:       "Reject",
}

func (opCode OpCode) String() string {
	if name, ok := opCodeMap[opCode]; ok {
		return name
	}
	return fmt.Sprintf("Unknown OpCode(0x%02x)", byte(opCode))
}

// Known reports whether the opcode is defined by RFC3720.
func (opCode OpCode) Known() bool {
	_, ok := opCodeMap[opCode]
	return ok
}

// FromInitiator reports whether PDUs with this opcode are initiator-originated.
func (opCode OpCode) FromInitiator() bool {
	return opCode < 0x20
}

// CarriesCmdSN reports whether an initiator PDU with this opcode holds CmdSN at byte 24.
func (opCode OpCode) CarriesCmdSN() bool {
	return opCode.FromInitiator() && opCode != OpSCSIOut && opCode != OpSNACKReq
}
