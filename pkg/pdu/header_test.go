// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"errors"
	"testing"
)

func TestInitiatorHeaderRoundTrip(t *testing.T) {
	lengths := []uint32{0, 1, 3, 4, 5, 127, 65536, MaxDataSegmentLength}
	for _, length := range lengths {
		header := InitiatorHeader{
			Prefix: Prefix{
				OpCode:            OpSCSICmd,
				Immediate:         true,
				Flags:             FinalBit | 0x40,
				OpCodeSpecific:    [2]byte{0x12, 0x34},
				TotalAHSLength:    2,
				DataSegmentLength: length,
				LUN:               0x0001000000000000,
				InitiatorTaskTag:  ReservedTag,
			},
			TargetTransferTag: ReservedTag,
			CmdSN:             0xdeadbeef,
			ExpStatSN:         7,
		}
		for index := range header.Specific {
			header.Specific[index] = byte(index + 1)
		}
		bhs, err := header.Encode()
		if err != nil {
			t.Fatalf("encode failed for length %d: %v", length, err)
		}
		if bhs[0] != 0x41 {
			t.Errorf("expected opcode byte 0x41, received 0x%02x", bhs[0])
		}
		if got := bhs.DataSegmentLength(); got != length {
			t.Errorf("expected data segment length %d, received %d", length, got)
		}
		decoded := DecodeInitiator(&bhs)
		if decoded != header {
			t.Errorf("round trip mismatch for length %d:\n%+v\n%+v", length, header, decoded)
		}
	}
}

func TestTargetHeaderRoundTrip(t *testing.T) {
	header := TargetHeader{
		Prefix: Prefix{
			OpCode:            OpSCSIIn,
			Flags:             FinalBit | StatusBit,
			DataSegmentLength: 512,
			LUN:               3,
			InitiatorTaskTag:  0x10,
		},
		TargetTransferTag: ReservedTag,
		StatSN:            100,
		ExpCmdSN:          200,
		MaxCmdSN:          232,
	}
	header.Specific[11] = 0xff
	bhs, err := header.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if bhs.StatSN() != 100 || bhs.ExpCmdSN() != 200 || bhs.MaxCmdSN() != 232 {
		t.Errorf("unexpected sequence numbers in %v", bhs)
	}
	decoded := DecodeTarget(&bhs)
	if decoded != header {
		t.Errorf("round trip mismatch:\n%+v\n%+v", header, decoded)
	}
	if !decoded.CarriesStatus() {
		t.Errorf("expected Data-In with status bit to carry status")
	}
}

func TestCommonHeaderRoundTrip(t *testing.T) {
	header := Common{Prefix: Prefix{OpCode: OpReject, DataSegmentLength: 48, InitiatorTaskTag: ReservedTag}}
	header.Specific[0] = 0xff
	header.Specific[27] = 0xee
	bhs, err := header.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if bhs[20] != 0xff || bhs[47] != 0xee {
		t.Errorf("opcode specific bytes misplaced: %v", bhs)
	}
	if decoded := DecodeCommon(&bhs); decoded != header {
		t.Errorf("round trip mismatch:\n%+v\n%+v", header, decoded)
	}
}

func TestEncodeRejectsInvalidFields(t *testing.T) {
	header := InitiatorHeader{Prefix: Prefix{OpCode: OpCode(0x40)}}
	if _, err := header.Encode(); !errors.Is(err, ErrInvalidOpCode) {
		t.Errorf("expected ErrInvalidOpCode, received %v", err)
	}
	header = InitiatorHeader{Prefix: Prefix{OpCode: OpNoopOut, DataSegmentLength: MaxDataSegmentLength + 1}}
	if _, err := header.Encode(); !errors.Is(err, ErrDataSegmentTooLong) {
		t.Errorf("expected ErrDataSegmentTooLong, received %v", err)
	}
}

func TestDataSegmentLengthIsBigEndian24(t *testing.T) {
	var bhs BasicHeaderSegment
	if err := bhs.SetDataSegmentLength(0x010203); err != nil {
		t.Fatal(err)
	}
	if bhs[5] != 0x01 || bhs[6] != 0x02 || bhs[7] != 0x03 {
		t.Errorf("unexpected length bytes % x", bhs[5:8])
	}
	if bhs[4] != 0 || bhs[8] != 0 {
		t.Errorf("length spilled into neighbouring fields")
	}
}

func TestUnknownOpCodeIsSurfaced(t *testing.T) {
	var bhs BasicHeaderSegment
	bhs[0] = 0x1f
	if bhs.OpCode().Known() {
		t.Errorf("opcode 0x1f must not be known")
	}
	if bhs.OpCode().String() != "Unknown OpCode(0x1f)" {
		t.Errorf("unexpected name %q", bhs.OpCode().String())
	}
}

func TestCarriesStatus(t *testing.T) {
	nopIn := TargetHeader{Prefix: Prefix{OpCode: OpNoopIn, InitiatorTaskTag: ReservedTag}}
	if nopIn.CarriesStatus() {
		t.Errorf("unsolicited NOP-In must not advance StatSN")
	}
	nopIn.InitiatorTaskTag = 1
	if !nopIn.CarriesStatus() {
		t.Errorf("NOP-In answering a ping advances StatSN")
	}
	r2t := TargetHeader{Prefix: Prefix{OpCode: OpReady}}
	if r2t.CarriesStatus() {
		t.Errorf("R2T must not advance StatSN")
	}
	if !OpSCSICmd.CarriesCmdSN() || OpSCSIOut.CarriesCmdSN() || OpSNACKReq.CarriesCmdSN() || OpNoopIn.CarriesCmdSN() {
		t.Errorf("unexpected CarriesCmdSN table")
	}
}

func TestAsyncMessageFields(t *testing.T) {
	var bhs BasicHeaderSegment
	bhs[0] = byte(OpAsync)
	bhs[36] = 2
	bhs[37] = 0
	bhs[38], bhs[39] = 0x00, 0x01
	bhs[40], bhs[41] = 0x00, 0x02
	bhs[42], bhs[43] = 0x00, 0x14
	header := DecodeTarget(&bhs)
	if header.AsyncEvent() != 2 {
		t.Errorf("expected event 2, received %d", header.AsyncEvent())
	}
	if header.AsyncParameters() != [3]uint16{1, 2, 20} {
		t.Errorf("unexpected parameters %v", header.AsyncParameters())
	}
}
