// Package exchange implements the buffer-exchange plane: symmetric TCP
// Source and Sink endpoints streaming typed record batches with
// per-source cursor ordering, at-least-once delivery and flow control.
package exchange

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Connect is the sink's single-byte response to a new connection.
type Connect byte

const (
	ConnectOpen Connect = iota
	ConnectBufferComplete
	ConnectConnectionsFull
	ConnectError
	ConnectClosed
)

func (c Connect) String() string {
	switch c {
	case ConnectOpen:
		return "OPEN"
	case ConnectBufferComplete:
		return "BUFFER_COMPLETE"
	case ConnectConnectionsFull:
		return "CONNECTIONS_FULL"
	case ConnectError:
		return "ERROR"
	case ConnectClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transfer is the sink's per-batch response enum.
type Transfer byte

const (
	TransferReady Transfer = iota
	TransferIgnore
	TransferSuccess
	TransferRetry
	TransferTerminate
	TransferClosed
)

func (t Transfer) String() string {
	switch t {
	case TransferReady:
		return "READY"
	case TransferIgnore:
		return "IGNORE"
	case TransferSuccess:
		return "SUCCESS"
	case TransferRetry:
		return "RETRY"
	case TransferTerminate:
		return "TERMINATE"
	case TransferClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// BufferType demultiplexes a connection onto a typed handler.
type BufferType byte

const (
	BufferFile BufferType = iota
	BufferSnapshot
	BufferStream
	BufferPKV
)

func (b BufferType) String() string {
	switch b {
	case BufferFile:
		return "FILE"
	case BufferSnapshot:
		return "SNAPSHOT"
	case BufferStream:
		return "STREAM"
	case BufferPKV:
		return "PKVBUF"
	default:
		return "UNKNOWN"
	}
}

// Frame preamble values. Every record batch is announced by PreambleData;
// either side closing writes PreambleClose instead.
const (
	PreambleData  int32 = 0x7FFFFFFF
	PreambleClose int32 = 0
)

// Header is the typed per-batch header carried after the preamble.
type Header interface {
	Type() BufferType
	// PayloadBytes is the exact payload length that follows a READY.
	PayloadBytes() uint64
	Marshal() []byte
	Unmarshal(data []byte) error
}

// FileHeader announces an ordered, resumable range of spill files.
type FileHeader struct {
	Owner        int32
	RunID        uuid.UUID
	FirstID      int64
	LastID       int64
	Compressed   uint64
	Decompressed uint64
	Progress     float32
	EOF          bool
}

const fileHeaderSize = 4 + 16 + 8 + 8 + 8 + 8 + 4 + 1

func (h *FileHeader) Type() BufferType     { return BufferFile }
func (h *FileHeader) PayloadBytes() uint64 { return h.Compressed }

func (h *FileHeader) Marshal() []byte {
	buf := make([]byte, fileHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Owner))
	copy(buf[4:20], h.RunID[:])
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.FirstID))
	binary.BigEndian.PutUint64(buf[28:36], uint64(h.LastID))
	binary.BigEndian.PutUint64(buf[36:44], h.Compressed)
	binary.BigEndian.PutUint64(buf[44:52], h.Decompressed)
	binary.BigEndian.PutUint32(buf[52:56], math.Float32bits(h.Progress))
	if h.EOF {
		buf[56] = 1
	}
	return buf
}

func (h *FileHeader) Unmarshal(data []byte) error {
	if len(data) < fileHeaderSize {
		return errors.Errorf("file header: %d bytes, want %d", len(data), fileHeaderSize)
	}
	h.Owner = int32(binary.BigEndian.Uint32(data[0:4]))
	copy(h.RunID[:], data[4:20])
	h.FirstID = int64(binary.BigEndian.Uint64(data[20:28]))
	h.LastID = int64(binary.BigEndian.Uint64(data[28:36]))
	h.Compressed = binary.BigEndian.Uint64(data[36:44])
	h.Decompressed = binary.BigEndian.Uint64(data[44:52])
	h.Progress = math.Float32frombits(binary.BigEndian.Uint32(data[52:56]))
	h.EOF = data[56] == 1
	return nil
}

// SnapshotHeader announces a snapshot batch, idempotent by progress.
type SnapshotHeader struct {
	Owner    int32
	Progress float32
	EOF      bool
	Bytes    uint64
}

const snapshotHeaderSize = 4 + 4 + 1 + 8

func (h *SnapshotHeader) Type() BufferType     { return BufferSnapshot }
func (h *SnapshotHeader) PayloadBytes() uint64 { return h.Bytes }

func (h *SnapshotHeader) Marshal() []byte {
	buf := make([]byte, snapshotHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Owner))
	binary.BigEndian.PutUint32(buf[4:8], math.Float32bits(h.Progress))
	if h.EOF {
		buf[8] = 1
	}
	binary.BigEndian.PutUint64(buf[9:17], h.Bytes)
	return buf
}

func (h *SnapshotHeader) Unmarshal(data []byte) error {
	if len(data) < snapshotHeaderSize {
		return errors.Errorf("snapshot header: %d bytes, want %d", len(data), snapshotHeaderSize)
	}
	h.Owner = int32(binary.BigEndian.Uint32(data[0:4]))
	h.Progress = math.Float32frombits(binary.BigEndian.Uint32(data[4:8]))
	h.EOF = data[8] == 1
	h.Bytes = binary.BigEndian.Uint64(data[9:17])
	return nil
}

// StreamHeader announces a strictly sequenced batch.
type StreamHeader struct {
	Owner    int32
	Sequence int64
	Bytes    uint64
}

const streamHeaderSize = 4 + 8 + 8

func (h *StreamHeader) Type() BufferType     { return BufferStream }
func (h *StreamHeader) PayloadBytes() uint64 { return h.Bytes }

func (h *StreamHeader) Marshal() []byte {
	buf := make([]byte, streamHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Owner))
	binary.BigEndian.PutUint64(buf[4:12], uint64(h.Sequence))
	binary.BigEndian.PutUint64(buf[12:20], h.Bytes)
	return buf
}

func (h *StreamHeader) Unmarshal(data []byte) error {
	if len(data) < streamHeaderSize {
		return errors.Errorf("stream header: %d bytes, want %d", len(data), streamHeaderSize)
	}
	h.Owner = int32(binary.BigEndian.Uint32(data[0:4]))
	h.Sequence = int64(binary.BigEndian.Uint64(data[4:12]))
	h.Bytes = binary.BigEndian.Uint64(data[12:20])
	return nil
}

// PKVBufferHeader announces one activation buffer per iteration per
// source.
type PKVBufferHeader struct {
	Owner     int32
	Iteration int64
	Bytes     uint64
}

const pkvHeaderSize = 4 + 8 + 8

func (h *PKVBufferHeader) Type() BufferType     { return BufferPKV }
func (h *PKVBufferHeader) PayloadBytes() uint64 { return h.Bytes }

func (h *PKVBufferHeader) Marshal() []byte {
	buf := make([]byte, pkvHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Owner))
	binary.BigEndian.PutUint64(buf[4:12], uint64(h.Iteration))
	binary.BigEndian.PutUint64(buf[12:20], h.Bytes)
	return buf
}

func (h *PKVBufferHeader) Unmarshal(data []byte) error {
	if len(data) < pkvHeaderSize {
		return errors.Errorf("pkv header: %d bytes, want %d", len(data), pkvHeaderSize)
	}
	h.Owner = int32(binary.BigEndian.Uint32(data[0:4]))
	h.Iteration = int64(binary.BigEndian.Uint64(data[4:12]))
	h.Bytes = binary.BigEndian.Uint64(data[12:20])
	return nil
}

// newHeader returns an empty header of the given type.
func newHeader(t BufferType) (Header, error) {
	switch t {
	case BufferFile:
		return &FileHeader{}, nil
	case BufferSnapshot:
		return &SnapshotHeader{}, nil
	case BufferStream:
		return &StreamHeader{}, nil
	case BufferPKV:
		return &PKVBufferHeader{}, nil
	default:
		return nil, errors.Errorf("unknown buffer type %d", t)
	}
}
