package codec

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/liangfan/priter/internal/interfaces"
)

// Kind selects one of the five record shapes a framed file can carry.
type Kind int

const (
	KindKV Kind = iota
	KindPKV
	KindState
	KindPQ
	KindStatic
)

// fieldCount returns the number of length-prefixed fields per record.
func (k Kind) fieldCount() int {
	switch k {
	case KindKV, KindStatic:
		return 2
	default:
		return 3
	}
}

func (k Kind) String() string {
	switch k {
	case KindKV:
		return "kv"
	case KindPKV:
		return "pkv"
	case KindState:
		return "state"
	case KindPQ:
		return "pq"
	case KindStatic:
		return "static"
	default:
		return "unknown"
	}
}

// DefaultWindowSize is the initial reader window, overridable per job via
// io.file.buffer.size.
const DefaultWindowSize = 128 * 1024

// KV is a generic payload frame.
type KV struct {
	Key   []byte
	Value []byte
}

// PKV is a priority-tagged activation message.
type PKV struct {
	Priority []byte
	Key      []byte
	Value    []byte
}

// StateRec carries per-key dual state.
type StateRec struct {
	Key    []byte
	IState []byte
	CState []byte
}

// PQRec is a priority-queue entry paired with its static context.
type PQRec struct {
	Key    []byte
	IState []byte
	Static []byte
}

// StaticRec is per-key immutable context.
type StaticRec struct {
	Key    []byte
	Static []byte
}

// KeyBytes encodes an engine key for use as an opaque record field.
func KeyBytes(k interfaces.Key) []byte {
	return AppendVInt(nil, int64(k))
}

// KeyFromBytes decodes a field produced by KeyBytes.
func KeyFromBytes(b []byte) (interfaces.Key, error) {
	v, err := ReadVInt(&byteReader{b: b})
	if err != nil {
		return 0, errors.Wrap(err, "decode key")
	}
	return interfaces.Key(v), nil
}

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// Writer appends length-prefixed records of a single Kind to an
// underlying stream. Close writes the end-of-stream sentinel row; the
// writer is unusable afterwards.
type Writer struct {
	w      io.Writer
	kind   Kind
	record uint64
	raw    uint64
	closed bool
}

// NewWriter creates a record writer of the given kind over w.
func NewWriter(w io.Writer, kind Kind) *Writer {
	return &Writer{w: w, kind: kind}
}

// Kind returns the record shape this writer emits.
func (w *Writer) Kind() Kind { return w.kind }

// Records returns the number of records appended so far.
func (w *Writer) Records() uint64 { return w.record }

// RawBytes returns the total decompressed bytes written, sentinel
// excluded until Close.
func (w *Writer) RawBytes() uint64 { return w.raw }

func (w *Writer) writeFields(fields ...[]byte) error {
	if w.closed {
		return errors.New("record writer is closed")
	}
	// All field lengths come first, then the field payloads in order,
	// which is the layout Reader.readRecord expects.
	for _, f := range fields {
		n, err := WriteVInt(w.w, int64(len(f)))
		if err != nil {
			return errors.Wrap(err, "write field length")
		}
		w.raw += uint64(n)
	}
	for _, f := range fields {
		if len(f) == 0 {
			continue
		}
		if _, err := w.w.Write(f); err != nil {
			return errors.Wrap(err, "write field payload")
		}
		w.raw += uint64(len(f))
	}
	w.record++
	return nil
}

func (w *Writer) checkKind(want Kind) error {
	if w.kind != want {
		return errors.Errorf("record writer carries %s records, not %s", w.kind, want)
	}
	return nil
}

// AppendKV appends a (key, value) record.
func (w *Writer) AppendKV(rec KV) error {
	if err := w.checkKind(KindKV); err != nil {
		return err
	}
	return w.writeFields(rec.Key, rec.Value)
}

// AppendPKV appends a (priority, key, value) record.
func (w *Writer) AppendPKV(rec PKV) error {
	if err := w.checkKind(KindPKV); err != nil {
		return err
	}
	return w.writeFields(rec.Priority, rec.Key, rec.Value)
}

// AppendStateRec appends a (key, iState, cState) record.
func (w *Writer) AppendStateRec(rec StateRec) error {
	if err := w.checkKind(KindState); err != nil {
		return err
	}
	return w.writeFields(rec.Key, rec.IState, rec.CState)
}

// AppendPQRec appends a (key, iState, staticData) record.
func (w *Writer) AppendPQRec(rec PQRec) error {
	if err := w.checkKind(KindPQ); err != nil {
		return err
	}
	return w.writeFields(rec.Key, rec.IState, rec.Static)
}

// AppendStaticRec appends a (key, staticData) record.
func (w *Writer) AppendStaticRec(rec StaticRec) error {
	if err := w.checkKind(KindStatic); err != nil {
		return err
	}
	return w.writeFields(rec.Key, rec.Static)
}

// Close terminates the stream with one EOF marker per field slot and, if
// the underlying stream is a block layer, seals it.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	for i := 0; i < w.kind.fieldCount(); i++ {
		n, err := WriteVInt(w.w, EOFMarker)
		if err != nil {
			return errors.Wrap(err, "write eof sentinel")
		}
		w.raw += uint64(n)
	}
	if bw, ok := w.w.(*BlockWriter); ok {
		return bw.Close()
	}
	return nil
}

// Reader consumes records written by Writer. Returned field slices alias
// the reader's window and are valid only until the next read call.
type Reader struct {
	r         io.Reader
	kind      Kind
	win       []byte
	spillPath string
	done      bool
}

// ReaderOpts configures a Reader.
type ReaderOpts struct {
	// WindowSize is the initial window allocation; DefaultWindowSize
	// when zero.
	WindowSize int
	// SpillPath, when set, receives a dump of the current window on a
	// corrupt-stream error before the error is returned.
	SpillPath string
}

// NewReader creates a record reader of the given kind over r.
func NewReader(r io.Reader, kind Kind, opts ReaderOpts) *Reader {
	size := opts.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Reader{r: r, kind: kind, win: make([]byte, size), spillPath: opts.SpillPath}
}

// Kind returns the record shape this reader expects.
func (r *Reader) Kind() Kind { return r.kind }

// grow ensures the window holds at least need bytes, reallocating it to
// the next power of two at or above need.
func (r *Reader) grow(need int) {
	if need <= len(r.win) {
		return
	}
	size := 1
	for size < need {
		size *= 2
	}
	r.win = make([]byte, size)
}

// readRecord reads one record of n fields into the window. ok=false with
// a nil error means the all-fields-EOF terminator was consumed.
func (r *Reader) readRecord(fields [][]byte) (ok bool, err error) {
	if r.done {
		return false, io.EOF
	}

	n := len(fields)
	lengths := make([]int64, n)
	total := 0
	eofSeen := 0
	for i := 0; i < n; i++ {
		l, err := ReadVInt(r.r)
		if err != nil {
			if i == 0 && err == io.EOF {
				// Stream ended without a sentinel row; treat a clean
				// boundary as missing-terminator corruption.
				return false, r.fail(errors.New("stream ended without eof sentinel"))
			}
			return false, r.fail(errors.Wrap(err, "read field length"))
		}
		if l == EOFMarker {
			eofSeen++
			continue
		}
		if l < 0 {
			return false, r.fail(errors.Errorf("negative field length %d", l))
		}
		lengths[i] = l
		total += int(l)
	}

	if eofSeen == n {
		r.done = true
		return false, nil
	}
	if eofSeen > 0 {
		return false, r.fail(errors.Errorf("partial eof sentinel: %d of %d fields", eofSeen, n))
	}

	r.grow(total)
	if total > 0 {
		if _, err := io.ReadFull(r.r, r.win[:total]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return false, r.fail(errors.Wrap(err, "read record payload"))
		}
	}

	off := 0
	for i := 0; i < n; i++ {
		fields[i] = r.win[off : off+int(lengths[i])]
		off += int(lengths[i])
	}
	return true, nil
}

// fail dumps the window for post-mortem when a spill path is configured,
// then returns err.
func (r *Reader) fail(err error) error {
	if r.spillPath != "" {
		_ = os.WriteFile(r.spillPath, r.win, 0o644)
	}
	return err
}

// ReadKV reads the next (key, value) record.
func (r *Reader) ReadKV() (KV, bool, error) {
	var f [2][]byte
	ok, err := r.readRecord(f[:])
	if !ok {
		return KV{}, false, err
	}
	return KV{Key: f[0], Value: f[1]}, true, nil
}

// ReadPKV reads the next (priority, key, value) record.
func (r *Reader) ReadPKV() (PKV, bool, error) {
	var f [3][]byte
	ok, err := r.readRecord(f[:])
	if !ok {
		return PKV{}, false, err
	}
	return PKV{Priority: f[0], Key: f[1], Value: f[2]}, true, nil
}

// ReadStateRec reads the next (key, iState, cState) record.
func (r *Reader) ReadStateRec() (StateRec, bool, error) {
	var f [3][]byte
	ok, err := r.readRecord(f[:])
	if !ok {
		return StateRec{}, false, err
	}
	return StateRec{Key: f[0], IState: f[1], CState: f[2]}, true, nil
}

// ReadPQRec reads the next (key, iState, staticData) record.
func (r *Reader) ReadPQRec() (PQRec, bool, error) {
	var f [3][]byte
	ok, err := r.readRecord(f[:])
	if !ok {
		return PQRec{}, false, err
	}
	return PQRec{Key: f[0], IState: f[1], Static: f[2]}, true, nil
}

// ReadStaticRec reads the next (key, staticData) record.
func (r *Reader) ReadStaticRec() (StaticRec, bool, error) {
	var f [2][]byte
	ok, err := r.readRecord(f[:])
	if !ok {
		return StaticRec{}, false, err
	}
	return StaticRec{Key: f[0], Static: f[1]}, true, nil
}
