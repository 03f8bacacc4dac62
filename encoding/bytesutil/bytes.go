// Package bytesutil defines helper methods for converting between byte
// slices, fixed-size arrays and integers.
package bytesutil

import (
	"encoding/binary"
	"math/big"
)

// ToBytes32 is a convenience method for converting a byte slice to a fix
// sized 32 byte array. This method will truncate the input if it is larger
// than 32 bytes.
func ToBytes32(x []byte) [32]byte {
	var y [32]byte
	copy(y[:], x)
	return y
}

// PadTo pads a byte slice to the given size. If the byte slice is larger than
// the given size, the original slice is returned.
func PadTo(b []byte, size int) []byte {
	if len(b) > size {
		return b
	}
	return append(b, make([]byte, size-len(b))...)
}

// SafeCopyBytes will copy and return a non-nil byte slice, otherwise it
// returns nil.
func SafeCopyBytes(cp []byte) []byte {
	if cp != nil {
		copied := make([]byte, len(cp))
		copy(copied, cp)
		return copied
	}
	return nil
}

// Uint64ToBytesBigEndian conversion.
func Uint64ToBytesBigEndian(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}

// BytesToUint64BigEndian conversion. Returns 0 with more than 8 bytes.
func BytesToUint64BigEndian(b []byte) uint64 {
	if len(b) > 8 {
		return 0
	}
	return binary.BigEndian.Uint64(PadFrontTo(b, 8))
}

// PadFrontTo pads a byte slice from the front to the given size, preserving
// big-endian numeric value. Slices already at or above size are returned
// unchanged.
func PadFrontTo(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	return append(make([]byte, size-len(b)), b...)
}

// BigToBytes32 encodes the big-endian value of x into a fixed 32 byte array.
// Values wider than 256 bits are truncated to their low-order bytes.
func BigToBytes32(x *big.Int) [32]byte {
	var y [32]byte
	b := x.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(y[32-len(b):], b)
	return y
}
