// Package codec implements the self-delimiting record encoding used on
// every byte stream the framework touches: variable-length integers,
// length-prefixed record frames in five shapes, and an optional
// block-compression layer with a trailing checksum.
package codec

import (
	"io"

	"github.com/pkg/errors"
)

// EOFMarker is the reserved length value written once per field slot to
// terminate a record stream. A record whose every length field equals
// EOFMarker is the end-of-stream sentinel; any other negative length is a
// corrupt stream.
const EOFMarker = -1

// WriteVInt writes a signed variable-length integer. Values in
// [-112, 127] are written as a single byte; anything else gets a header
// byte encoding the sign and magnitude byte count, followed by the
// big-endian magnitude.
func WriteVInt(w io.Writer, value int64) (int, error) {
	var buf [9]byte
	n := putVInt(buf[:], value)
	return w.Write(buf[:n])
}

func putVInt(buf []byte, value int64) int {
	if value >= -112 && value <= 127 {
		buf[0] = byte(value)
		return 1
	}

	length := int64(-112)
	if value < 0 {
		value = ^value
		length = -120
	}

	for tmp := value; tmp != 0; tmp >>= 8 {
		length--
	}
	buf[0] = byte(length)

	var size int
	if length < -120 {
		size = int(-(length + 120))
	} else {
		size = int(-(length + 112))
	}

	for i := 0; i < size; i++ {
		shift := uint((size - i - 1) * 8)
		buf[1+i] = byte(value >> shift)
	}
	return 1 + size
}

// ReadVInt reads a signed variable-length integer written by WriteVInt.
func ReadVInt(r io.Reader) (int64, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}

	b := int8(first[0])
	if b >= -112 {
		return int64(b), nil
	}

	negative := b < -120
	var size int
	if negative {
		size = int(-(int64(b) + 120))
	} else {
		size = int(-(int64(b) + 112))
	}
	if size < 1 || size > 8 {
		return 0, errors.Errorf("vint: invalid length header %d", b)
	}

	var payload [8]byte
	if _, err := io.ReadFull(r, payload[:size]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, errors.Wrap(err, "vint: truncated magnitude")
	}

	var value int64
	for i := 0; i < size; i++ {
		value = value<<8 | int64(payload[i])
	}
	if negative {
		value = ^value
	}
	return value, nil
}

// VIntSize returns the encoded size of value in bytes.
func VIntSize(value int64) int {
	if value >= -112 && value <= 127 {
		return 1
	}
	if value < 0 {
		value = ^value
	}
	size := 1
	for tmp := value; tmp != 0; tmp >>= 8 {
		size++
	}
	return size
}

// AppendVInt appends the encoding of value to dst and returns the
// extended slice.
func AppendVInt(dst []byte, value int64) []byte {
	var buf [9]byte
	n := putVInt(buf[:], value)
	return append(dst, buf[:n]...)
}
