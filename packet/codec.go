package packet

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Encoding names the character encodings the length-prefixed string
// primitive supports. These, plus the per-type decode helpers below, are
// the "numeric codec helpers" spec.md §1 calls an external collaborator
// of the core — kept here, alongside the builder, because every test that
// exercises the builder needs a matching reader.
type Encoding int

const (
	UTF8 Encoding = iota
	UTF16
	UTF16BE
	UTF16LE
)

func encodeString(v string, enc Encoding) ([]byte, error) {
	switch enc {
	case UTF8:
		return []byte(v), nil
	case UTF16, UTF16BE:
		return encodeUTF16(v, binary.BigEndian), nil
	case UTF16LE:
		return encodeUTF16(v, binary.LittleEndian), nil
	default:
		return nil, errors.Errorf("packet: unknown encoding %d", enc)
	}
}

func encodeUTF16(v string, order binary.ByteOrder) []byte {
	units := utf16.Encode([]rune(v))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		order.PutUint16(out[i*2:], u)
	}
	return out
}

func decodeString(b []byte, enc Encoding) (string, error) {
	switch enc {
	case UTF8:
		return string(b), nil
	case UTF16, UTF16BE:
		return decodeUTF16(b, binary.BigEndian)
	case UTF16LE:
		return decodeUTF16(b, binary.LittleEndian)
	default:
		return "", errors.Errorf("packet: unknown encoding %d", enc)
	}
}

func decodeUTF16(b []byte, order binary.ByteOrder) (string, error) {
	if len(b)%2 != 0 {
		return "", errors.New("packet: odd byte length for utf16 string")
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = order.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// ---- decode helpers (the reader-side mirror of the builder above) ----

// ReadBool decodes a boolean from a single byte.
func ReadBool(b []byte) bool { return b[0] != 0x00 }

// ReadByte returns the single raw byte.
func ReadByte(b []byte) byte { return b[0] }

// ReadShort decodes a 16-bit signed integer in the given byte order.
func ReadShort(b []byte, order binary.ByteOrder) int16 { return int16(order.Uint16(b)) }

// ReadInt decodes a 32-bit signed integer in the given byte order.
func ReadInt(b []byte, order binary.ByteOrder) int32 { return int32(order.Uint32(b)) }

// ReadLong decodes a 64-bit signed integer in the given byte order.
func ReadLong(b []byte, order binary.ByteOrder) int64 { return int64(order.Uint64(b)) }

// ReadFloat decodes an IEEE-754 single-precision float in the given byte
// order, bit-for-bit (so NaN payloads and signed zero survive).
func ReadFloat(b []byte, order binary.ByteOrder) float32 {
	return math.Float32frombits(order.Uint32(b))
}

// ReadDouble decodes an IEEE-754 double-precision float in the given byte
// order.
func ReadDouble(b []byte, order binary.ByteOrder) float64 {
	return math.Float64frombits(order.Uint64(b))
}

// ReadChar decodes a single UTF-16 code unit in the given byte order.
func ReadChar(b []byte, order binary.ByteOrder) rune { return rune(order.Uint16(b)) }

// ReadStringLen decodes the u16 length prefix of a length-prefixed
// string, for callers issuing a two-stage read_until(2, ...) then
// read_until(n, ...) the way S1/S3 in spec.md §8 do for headers.
func ReadStringLen(b []byte, order binary.ByteOrder) int {
	return int(order.Uint16(b))
}

// ReadString decodes exactly len(b) bytes of string payload (the bytes
// following the length prefix, once ReadStringLen has told the caller how
// many to request) using enc.
func ReadString(b []byte, enc Encoding) (string, error) {
	return decodeString(b, enc)
}
