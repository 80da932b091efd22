// internal/codec/codec.go
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BoundsError reports an access outside the buffer.
// It is a configuration defect, never a runtime condition.
type BoundsError struct {
	Op     string
	Offset int
	Bit    int // -1 when the access is not a bit access
	Width  int
	Len    int
}

func (e *BoundsError) Error() string {
	if e.Bit >= 0 {
		return fmt.Sprintf("codec %s: bit %d.%d out of range (buffer len=%d)", e.Op, e.Offset, e.Bit, e.Len)
	}
	return fmt.Sprintf("codec %s: offset %d width %d out of range (buffer len=%d)", e.Op, e.Offset, e.Width, e.Len)
}

// CheckSpan returns a BoundsError if [off, off+width) does not fit a buffer of length n.
func CheckSpan(op string, n, off, width int) error {
	if off < 0 || width < 0 || off+width > n {
		return &BoundsError{Op: op, Offset: off, Bit: -1, Width: width, Len: n}
	}
	return nil
}

func checkBit(op string, n, off, bit int) error {
	if off < 0 || off >= n || bit < 0 || bit > 7 {
		return &BoundsError{Op: op, Offset: off, Bit: bit, Width: 1, Len: n}
	}
	return nil
}

// ---- decode ----

// DecodeU16 reads a big-endian word.
func DecodeU16(buf []byte, off int) (uint16, error) {
	if err := CheckSpan("decode_u16", len(buf), off, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[off : off+2]), nil
}

// DecodeI16 reads a big-endian word as the PLC's signed Int.
func DecodeI16(buf []byte, off int) (int16, error) {
	v, err := DecodeU16(buf, off)
	if err != nil {
		return 0, err
	}
	return int16(v), nil
}

// DecodeF32 reads a big-endian IEEE-754 Real.
func DecodeF32(buf []byte, off int) (float32, error) {
	if err := CheckSpan("decode_f32", len(buf), off, 4); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(buf[off : off+4])), nil
}

// DecodeBit reads bit (0..7, LSB first) of byte off.
func DecodeBit(buf []byte, off, bit int) (bool, error) {
	if err := checkBit("decode_bit", len(buf), off, bit); err != nil {
		return false, err
	}
	return buf[off]&(1<<uint(bit)) != 0, nil
}

// ---- encode (in place, caller-owned buffer) ----

// EncodeU16 writes a big-endian word.
func EncodeU16(buf []byte, off int, v uint16) error {
	if err := CheckSpan("encode_u16", len(buf), off, 2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(buf[off:off+2], v)
	return nil
}

// EncodeI16 writes a signed Int as a big-endian word.
func EncodeI16(buf []byte, off int, v int16) error {
	return EncodeU16(buf, off, uint16(v))
}

// EncodeBit sets or clears bit (0..7) of byte off.
func EncodeBit(buf []byte, off, bit int, v bool) error {
	if err := checkBit("encode_bit", len(buf), off, bit); err != nil {
		return err
	}
	if v {
		buf[off] |= 1 << uint(bit)
	} else {
		buf[off] &^= 1 << uint(bit)
	}
	return nil
}
