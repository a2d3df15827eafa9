// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type SessionParameter int

const (
	SessionInitialR2T SessionParameter = iota
	SessionImmediateData
	SessionDataPDUInOrder
	SessionDataSequenceInOrder
	SessionErrorRecoveryLevel
	SessionMaxConnections
	SessionMaxOutstandingR2T
	SessionMaxBurstLength
	SessionFirstBurstLength
	SessionDefaultTime2Retain
	SessionDefaultTime2Wait
	SessionTargetSessionIdentifyingHandle
	SessionTargetPortalGroupTag
	// Sequence numbers are runtime state and stay writable after activation.
	SessionCommandSequenceNumber
	SessionExpectedCommandSequenceNumber
	SessionMaxCommandSequenceNumber
	sessionParameterCount
)

type ConnectionParameter int

const (
	ConnectionHeaderDigest ConnectionParameter = iota
	ConnectionDataDigest
	ConnectionIFMarker
	ConnectionOFMarker
	ConnectionIFMarkInt
	ConnectionOFMarkInt
	ConnectionMaxSendDataSegmentLength
	ConnectionMaxRecvDataSegmentLength
	ConnectionInitialExpStatSN
	connectionParameterCount
)

const (
	DigestNone   uint32 = 0
	DigestCRC32C uint32 = 1
)

type KeyConvFunc func(value string) (uint32, bool)
type KeyInConvFunc func(value uint32) string

// parameterKey describes one parameter: its RFC3720 text key (if any),
// default and bounds. Negotiated parameters are frozen once activated.
type parameterKey struct {
	name       string
	negotiated bool
	def        uint32
	min        uint32
	max        uint32
	conv       KeyConvFunc
	inConv     KeyInConvFunc
}

func digestKeyConv(value string) (uint32, bool) {
	// A negotiated answer holds one value; an offer list is resolved to its first entry.
	first, _, _ := strings.Cut(value, ",")
	if strings.EqualFold(first, "crc32c") {
		return DigestCRC32C, true
	} else if strings.EqualFold(first, "none") {
		return DigestNone, true
	}
	return DigestNone, false
}

func digestKeyInConv(value uint32) string {
	if value == DigestCRC32C {
		return "CRC32C"
	}
	return "None"
}

func numberKeyConv(value string) (uint32, bool) {
	v, err := strconv.ParseUint(value, 0, 32)
	if err == nil {
		return uint32(v), true
	}
	return 0, false
}

func numberKeyInConv(value uint32) string {
	return strconv.FormatUint(uint64(value), 10)
}

func boolKeyConv(value string) (uint32, bool) {
	if strings.EqualFold(value, "yes") {
		return 1, true
	} else if strings.EqualFold(value, "no") {
		return 0, true
	}
	return 0, false
}

func boolKeyInConv(value uint32) string {
	if value == 0 {
		return "No"
	}
	return "Yes"
}

var sessionKeys = [sessionParameterCount]parameterKey{
	SessionInitialR2T:                     {"InitialR2T", true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	SessionImmediateData:                  {"ImmediateData", true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	SessionDataPDUInOrder:                 {"DataPDUInOrder", true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	SessionDataSequenceInOrder:            {"DataSequenceInOrder", true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	SessionErrorRecoveryLevel:             {"ErrorRecoveryLevel", true, 0, 0, 2, numberKeyConv, numberKeyInConv},
	SessionMaxConnections:                 {"MaxConnections", true, 1, 1, 65535, numberKeyConv, numberKeyInConv},
	SessionMaxOutstandingR2T:              {"MaxOutstandingR2T", true, 1, 1, 65535, numberKeyConv, numberKeyInConv},
	SessionMaxBurstLength:                 {"MaxBurstLength", true, 262144, 512, 16777215, numberKeyConv, numberKeyInConv},
	SessionFirstBurstLength:               {"FirstBurstLength", true, 65536, 512, 16777215, numberKeyConv, numberKeyInConv},
	SessionDefaultTime2Retain:             {"DefaultTime2Retain", true, 20, 0, 3600, numberKeyConv, numberKeyInConv},
	SessionDefaultTime2Wait:               {"DefaultTime2Wait", true, 2, 0, 3600, numberKeyConv, numberKeyInConv},
	SessionTargetSessionIdentifyingHandle: {"", true, 0, 0, 65535, numberKeyConv, numberKeyInConv},
	SessionTargetPortalGroupTag:           {"TargetPortalGroupTag", true, 0, 0, 65535, numberKeyConv, numberKeyInConv},
	SessionCommandSequenceNumber:          {"", false, 0, 0, math.MaxUint32, numberKeyConv, numberKeyInConv},
	SessionExpectedCommandSequenceNumber:  {"", false, 0, 0, math.MaxUint32, numberKeyConv, numberKeyInConv},
	SessionMaxCommandSequenceNumber:       {"", false, 0, 0, math.MaxUint32, numberKeyConv, numberKeyInConv},
}

// connectionKeys names follow what the target declares: its MaxRecvDataSegmentLength
// bounds what this initiator may send.
var connectionKeys = [connectionParameterCount]parameterKey{
	ConnectionHeaderDigest:             {"HeaderDigest", true, DigestNone, DigestNone, DigestCRC32C, digestKeyConv, digestKeyInConv},
	ConnectionDataDigest:               {"DataDigest", true, DigestNone, DigestNone, DigestCRC32C, digestKeyConv, digestKeyInConv},
	ConnectionIFMarker:                 {"IFMarker", true, 0, 0, 1, boolKeyConv, boolKeyInConv},
	ConnectionOFMarker:                 {"OFMarker", true, 0, 0, 1, boolKeyConv, boolKeyInConv},
	ConnectionIFMarkInt:                {"IFMarkInt", true, 2048, 1, 65535, numberKeyConv, numberKeyInConv},
	ConnectionOFMarkInt:                {"OFMarkInt", true, 2048, 1, 65535, numberKeyConv, numberKeyInConv},
	ConnectionMaxSendDataSegmentLength: {"MaxRecvDataSegmentLength", true, 8192, 0, 16777215, numberKeyConv, numberKeyInConv},
	ConnectionMaxRecvDataSegmentLength: {"", true, 8192, 0, 16777215, numberKeyConv, numberKeyInConv},
	ConnectionInitialExpStatSN:         {"", true, 0, 0, math.MaxUint32, numberKeyConv, numberKeyInConv},
}

var sessionParameterNames = [sessionParameterCount]string{
	SessionInitialR2T:                     "InitialR2T",
	SessionImmediateData:                  "ImmediateData",
	SessionDataPDUInOrder:                 "DataPDUInOrder",
	SessionDataSequenceInOrder:            "DataSequenceInOrder",
	SessionErrorRecoveryLevel:             "ErrorRecoveryLevel",
	SessionMaxConnections:                 "MaxConnections",
	SessionMaxOutstandingR2T:              "MaxOutstandingR2T",
	SessionMaxBurstLength:                 "MaxBurstLength",
	SessionFirstBurstLength:               "FirstBurstLength",
	SessionDefaultTime2Retain:             "DefaultTime2Retain",
	SessionDefaultTime2Wait:               "DefaultTime2Wait",
	SessionTargetSessionIdentifyingHandle: "TargetSessionIdentifyingHandle",
	SessionTargetPortalGroupTag:           "TargetPortalGroupTag",
	SessionCommandSequenceNumber:          "CmdSN",
	SessionExpectedCommandSequenceNumber:  "ExpCmdSN",
	SessionMaxCommandSequenceNumber:       "MaxCmdSN",
}

var connectionParameterNames = [connectionParameterCount]string{
	ConnectionHeaderDigest:             "HeaderDigest",
	ConnectionDataDigest:               "DataDigest",
	ConnectionIFMarker:                 "IFMarker",
	ConnectionOFMarker:                 "OFMarker",
	ConnectionIFMarkInt:                "IFMarkInt",
	ConnectionOFMarkInt:                "OFMarkInt",
	ConnectionMaxSendDataSegmentLength: "MaxSendDataSegmentLength",
	ConnectionMaxRecvDataSegmentLength: "MaxRecvDataSegmentLength",
	ConnectionInitialExpStatSN:         "InitialExpStatSN",
}

func (parameter SessionParameter) Valid() bool {
	return parameter >= 0 && parameter < sessionParameterCount
}

func (parameter SessionParameter) String() string {
	if !parameter.Valid() {
		return fmt.Sprintf("SessionParameter(%d)", int(parameter))
	}
	return sessionParameterNames[parameter]
}

func (parameter ConnectionParameter) Valid() bool {
	return parameter >= 0 && parameter < connectionParameterCount
}

func (parameter ConnectionParameter) String() string {
	if !parameter.Valid() {
		return fmt.Sprintf("ConnectionParameter(%d)", int(parameter))
	}
	return connectionParameterNames[parameter]
}

// ParseSessionParameter resolves a parameter by its String() name, case-insensitively.
func ParseSessionParameter(name string) (SessionParameter, bool) {
	for index, candidate := range sessionParameterNames {
		if strings.EqualFold(candidate, name) {
			return SessionParameter(index), true
		}
	}
	return 0, false
}

func ParseConnectionParameter(name string) (ConnectionParameter, bool) {
	for index, candidate := range connectionParameterNames {
		if strings.EqualFold(candidate, name) {
			return ConnectionParameter(index), true
		}
	}
	return 0, false
}

func (key *parameterKey) check(value uint32) bool {
	return value >= key.min && value <= key.max
}

func defaultSessionValues() [sessionParameterCount]uint32 {
	var values [sessionParameterCount]uint32
	for index, key := range sessionKeys {
		values[index] = key.def
	}
	return values
}

func defaultConnectionValues() [connectionParameterCount]uint32 {
	var values [connectionParameterCount]uint32
	for index, key := range connectionKeys {
		values[index] = key.def
	}
	return values
}
