// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
)

const (
	DataPadding = 4
	DigestSize  = 4
)

var ErrDigestMismatch = errors.New("digest mismatch")

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var zeroPadding [DataPadding]byte

// PaddingLength is the number of zero bytes that follow a data segment of the given length.
func PaddingLength(length int) int {
	return (DataPadding - length%DataPadding) % DataPadding
}

// PaddedLength is the wire length of a data segment including alignment.
func PaddedLength(length int) int {
	return length + PaddingLength(length)
}

// Padding returns the zero bytes completing a data segment of the given length.
func Padding(length int) []byte {
	return zeroPadding[:PaddingLength(length)]
}

// NewDigest returns the CRC32C hash used for header and data digests.
func NewDigest() hash.Hash32 {
	return crc32.New(castagnoliTable)
}

// Digest computes the CRC32C digest over the concatenation of parts.
func Digest(parts ...[]byte) uint32 {
	digest := uint32(0)
	for _, part := range parts {
		digest = crc32.Update(digest, castagnoliTable, part)
	}
	return digest
}

// MarshalDigest encodes a digest in the byte order used on the wire.
func MarshalDigest(digest uint32) [DigestSize]byte {
	var result [DigestSize]byte
	binary.LittleEndian.PutUint32(result[:], digest)
	return result
}

func UnmarshalDigest(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data)
}
