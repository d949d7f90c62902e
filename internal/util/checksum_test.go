package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
		})
	}
}

func TestSealAndOpen(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed := Seal(FormatStructProto, tt.payload)
			assert.Len(t, sealed, len(tt.payload)+5)

			format, payload, err := Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, FormatStructProto, format)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

func TestOpen_Corrupted(t *testing.T) {
	sealed := Seal(FormatStructProto, []byte("test data for checksum validation"))

	flipped := append([]byte{}, sealed...)
	flipped[3] ^= 0xFF
	_, _, err := Open(flipped)
	assert.Error(t, err)

	_, _, err = Open(sealed[:4])
	assert.Error(t, err)

	_, _, err = Open(nil)
	assert.Error(t, err)
}
