package util

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Envelope layout used for every persisted CRDT payload:
//
//	[format (1 byte)][payload][crc32 of format+payload (4 bytes, little endian)]

// EnvelopeFormat identifies the payload encoding inside an envelope.
type EnvelopeFormat byte

const (
	// FormatStructProto is a deterministic protobuf-encoded structpb.Struct.
	FormatStructProto EnvelopeFormat = 1

	envelopeOverhead = 1 + crc32.Size
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 (IEEE) checksum.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// Seal wraps payload in an envelope tagged with format.
func Seal(format EnvelopeFormat, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+envelopeOverhead)
	out = append(out, byte(format))
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint32(out, ComputeChecksum(out))
}

// Open validates an envelope and returns its format and payload. The payload
// aliases sealed.
func Open(sealed []byte) (EnvelopeFormat, []byte, error) {
	if len(sealed) < envelopeOverhead {
		return 0, nil, fmt.Errorf("envelope too short: %d bytes", len(sealed))
	}
	body := sealed[:len(sealed)-crc32.Size]
	want := binary.LittleEndian.Uint32(sealed[len(sealed)-crc32.Size:])
	if got := ComputeChecksum(body); got != want {
		return 0, nil, fmt.Errorf("checksum mismatch: got %08x, want %08x", got, want)
	}
	return EnvelopeFormat(body[0]), body[1:], nil
}
