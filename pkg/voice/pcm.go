package voice

import (
	"encoding/binary"
	"fmt"
)

// EncodePCM16LE serializes samples as raw little-endian 16-bit PCM with no
// header.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE parses raw little-endian 16-bit PCM. An odd byte count is a
// decode error.
func DecodePCM16LE(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, NewDecodeError(fmt.Sprintf("odd PCM payload length %d", len(data)), nil)
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// Bytes returns the wire form of the frame.
func (f AudioFrame) Bytes() []byte {
	return EncodePCM16LE(f.Samples)
}
