package protocol

import (
	"encoding/binary"
	"math/bits"
)

// MaskKey converts the four masking octets of a frame header into the key
// layout used by Mask (octet 0 in the low byte).
func MaskKey(b [4]byte) uint32 {
	return binary.LittleEndian.Uint32(b[:])
}

// Mask XORs b in place with the rolling masking key and returns the key
// rotated by len(b) mod 4 bytes, so the next call continues with the correct
// phase. Applying Mask twice with the same starting key restores b.
func Mask(key uint32, b []byte) uint32 {
	if len(b) >= 8 {
		key64 := uint64(key)<<32 | uint64(key)

		for len(b) >= 32 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^key64)
			v = binary.LittleEndian.Uint64(b[8:16])
			binary.LittleEndian.PutUint64(b[8:16], v^key64)
			v = binary.LittleEndian.Uint64(b[16:24])
			binary.LittleEndian.PutUint64(b[16:24], v^key64)
			v = binary.LittleEndian.Uint64(b[24:32])
			binary.LittleEndian.PutUint64(b[24:32], v^key64)
			b = b[32:]
		}

		for len(b) >= 8 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^key64)
			b = b[8:]
		}
	}

	for len(b) >= 4 {
		v := binary.LittleEndian.Uint32(b)
		binary.LittleEndian.PutUint32(b, v^key)
		b = b[4:]
	}

	// Whole words leave the phase untouched; only the tail rotates it.
	for i := range b {
		b[i] ^= byte(key)
		key = bits.RotateLeft32(key, -8)
	}

	return key
}
