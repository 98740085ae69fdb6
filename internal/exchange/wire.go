package exchange

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// All integers on the wire are big-endian.

func writeInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func writeHeaderFrame(w io.Writer, h Header) error {
	data := h.Marshal()
	if err := writeInt32(w, int32(len(data))); err != nil {
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write header")
	}
	return nil
}

func readHeaderFrame(r io.Reader, t BufferType) (Header, error) {
	length, err := readInt32(r)
	if err != nil {
		return nil, errors.Wrap(err, "read header length")
	}
	if length <= 0 || length > 1<<16 {
		return nil, errors.Errorf("implausible header length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	h, err := newHeader(t)
	if err != nil {
		return nil, err
	}
	if err := h.Unmarshal(data); err != nil {
		return nil, err
	}
	return h, nil
}

// transfer responses: a single Transfer byte followed by the next
// expected cursor, int64 for FILE/STREAM/PKVBUF and float32 for
// SNAPSHOT.

func writeTransfer(w io.Writer, t BufferType, status Transfer, cursor int64, progress float32) error {
	if _, err := w.Write([]byte{byte(status)}); err != nil {
		return err
	}
	if t == BufferSnapshot {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(progress))
		_, err := w.Write(buf[:])
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cursor))
	_, err := w.Write(buf[:])
	return err
}

func readTransfer(r io.Reader, t BufferType) (Transfer, int64, float32, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, 0, err
	}
	status := Transfer(b[0])
	if t == BufferSnapshot {
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, 0, 0, err
		}
		return status, 0, math.Float32frombits(binary.BigEndian.Uint32(buf[:])), nil
	}
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, 0, err
	}
	return status, int64(binary.BigEndian.Uint64(buf[:])), 0, nil
}
