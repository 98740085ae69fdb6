package codec

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
)

// DefaultBlockSize is the amount of raw bytes buffered before a block is
// sealed and compressed.
const DefaultBlockSize = 64 * 1024

// BlockWriter wraps a byte stream in compressed blocks with a trailing
// checksum. Layout:
//
//	block*  := uint32 compressed-length, snappy block
//	trailer := uint32(0), uint64 xxhash64 of all compressed block bytes
//
// All integers are big-endian, matching the rest of the wire format.
type BlockWriter struct {
	w          io.Writer
	buf        []byte
	blockSize  int
	digest     *xxhash.Digest
	compressed uint64
	closed     bool
}

// NewBlockWriter creates a block writer over w. blockSize of 0 selects
// DefaultBlockSize.
func NewBlockWriter(w io.Writer, blockSize int) *BlockWriter {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BlockWriter{
		w:         w,
		buf:       make([]byte, 0, blockSize),
		blockSize: blockSize,
		digest:    xxhash.New(),
	}
}

func (bw *BlockWriter) Write(p []byte) (int, error) {
	if bw.closed {
		return 0, errors.New("block writer is closed")
	}
	total := len(p)
	for len(p) > 0 {
		room := bw.blockSize - len(bw.buf)
		n := len(p)
		if n > room {
			n = room
		}
		bw.buf = append(bw.buf, p[:n]...)
		p = p[n:]
		if len(bw.buf) >= bw.blockSize {
			if err := bw.Flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Flush seals the current block, writing it even when short.
func (bw *BlockWriter) Flush() error {
	if len(bw.buf) == 0 {
		return nil
	}
	compressed := snappy.Encode(nil, bw.buf)
	bw.buf = bw.buf[:0]

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(compressed)))
	if _, err := bw.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write block header")
	}
	if _, err := bw.w.Write(compressed); err != nil {
		return errors.Wrap(err, "write block payload")
	}
	_, _ = bw.digest.Write(compressed)
	bw.compressed += uint64(len(hdr)) + uint64(len(compressed))
	return nil
}

// CompressedBytes returns the compressed byte total so far, trailer
// included once closed.
func (bw *BlockWriter) CompressedBytes() uint64 { return bw.compressed }

// Close flushes the final block and appends the trailer.
func (bw *BlockWriter) Close() error {
	if bw.closed {
		return nil
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	bw.closed = true

	var trailer [12]byte
	binary.BigEndian.PutUint32(trailer[:4], 0)
	binary.BigEndian.PutUint64(trailer[4:], bw.digest.Sum64())
	if _, err := bw.w.Write(trailer[:]); err != nil {
		return errors.Wrap(err, "write trailer")
	}
	bw.compressed += uint64(len(trailer))
	return nil
}

// BlockReader reads streams produced by BlockWriter, verifying the
// trailing checksum when the zero-length terminator block is reached.
// A checksum mismatch is fatal.
type BlockReader struct {
	r      io.Reader
	block  []byte
	off    int
	digest *xxhash.Digest
	done   bool
}

// NewBlockReader creates a block reader over r.
func NewBlockReader(r io.Reader) *BlockReader {
	return &BlockReader{r: r, digest: xxhash.New()}
}

func (br *BlockReader) Read(p []byte) (int, error) {
	for br.off >= len(br.block) {
		if br.done {
			return 0, io.EOF
		}
		if err := br.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, br.block[br.off:])
	br.off += n
	return n, nil
}

func (br *BlockReader) next() error {
	var hdr [4]byte
	if _, err := io.ReadFull(br.r, hdr[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrap(err, "read block header")
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		var sum [8]byte
		if _, err := io.ReadFull(br.r, sum[:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrap(err, "read trailer checksum")
		}
		if got := br.digest.Sum64(); got != binary.BigEndian.Uint64(sum[:]) {
			return errors.Errorf("block checksum mismatch: computed %016x", got)
		}
		br.done = true
		return io.EOF
	}

	compressed := make([]byte, length)
	if _, err := io.ReadFull(br.r, compressed); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrap(err, "read block payload")
	}
	_, _ = br.digest.Write(compressed)

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return errors.Wrap(err, "decompress block")
	}
	br.block = raw
	br.off = 0
	return nil
}
