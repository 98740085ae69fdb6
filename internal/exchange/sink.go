package exchange

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/liangfan/priter/internal/interfaces"
	"github.com/liangfan/priter/internal/logging"
)

// DefaultMaxConnections bounds concurrent handler goroutines
// (mapred.reduce.parallel.copies).
const DefaultMaxConnections = 20000

// progressScale converts float progress into fixed-point for atomic
// accumulation.
const progressScale = 1 << 16

// SinkConfig configures a buffer-exchange sink endpoint.
type SinkConfig struct {
	// NumInputs is the number of expected upstream sources.
	NumInputs int
	// MaxConnections refuses connections above this count with
	// CONNECTIONS_FULL. Defaults to DefaultMaxConnections.
	MaxConnections int
	// Regime selects the STREAM firing rule.
	Regime SyncRegime
	// AsyncTimeThreshold is the idle window for SyncAsyncTime.
	AsyncTimeThreshold time.Duration
	// SelfOwner is this reducer's partition id, used by SyncAsyncSelf.
	SelfOwner int32
	// ListenAddr overrides the bind address. Defaults to an ephemeral
	// loopback port; the advertised (host, port) is published out of
	// band by the job registry.
	ListenAddr string
	// EventBuffer sizes the coordinator event channel.
	EventBuffer int
	Logger      *logging.Logger
	Observer    interfaces.Observer
}

// Sink binds an ephemeral TCP listener, accepts many concurrent peers
// and demultiplexes each connection by its BufferType onto a typed
// handler. Batch payloads go to registered Receivers; coordination
// signals go out the event channel.
type Sink struct {
	cfg      SinkConfig
	ln       net.Listener
	cursors  *cursors
	sync     *streamSync
	events   chan SinkEvent
	log      *logging.Logger
	observer interfaces.Observer

	mu        sync.RWMutex
	receivers map[BufferType]Receiver

	active      atomic.Int32
	progressSum atomic.Int64
	lastByOwner sync.Map // int32 -> float32, handler-local last progress

	closed  atomic.Bool
	wg      sync.WaitGroup
	pool    chan struct{}
	tickerC chan struct{}
}

// NewSink binds an ephemeral listener and starts the accept loop. The
// advertised address is available via Addr.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("sink")
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind sink listener")
	}

	poolSize := cfg.MaxConnections
	if n := max(cfg.NumInputs, 5); n < poolSize {
		poolSize = n
	}

	s := &Sink{
		cfg:       cfg,
		ln:        ln,
		cursors:   newCursors(),
		sync:      newStreamSync(cfg.Regime, cfg.NumInputs, cfg.SelfOwner),
		events:    make(chan SinkEvent, cfg.EventBuffer),
		log:       cfg.Logger,
		observer:  cfg.Observer,
		receivers: make(map[BufferType]Receiver),
		pool:      make(chan struct{}, poolSize),
		tickerC:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	if cfg.Regime == SyncAsyncTime && cfg.AsyncTimeThreshold > 0 {
		s.wg.Add(1)
		go s.asyncTicker()
	}
	return s, nil
}

// Addr returns the advertised listen address.
func (s *Sink) Addr() string { return s.ln.Addr().String() }

// Events returns the coordinator event channel.
func (s *Sink) Events() <-chan SinkEvent { return s.events }

// Register installs the receiver for one buffer type.
func (s *Sink) Register(t BufferType, r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers[t] = r
}

func (s *Sink) receiver(t BufferType) Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receivers[t]
}

// Progress returns the accumulated input progress across all sources.
func (s *Sink) Progress() float64 {
	return float64(s.progressSum.Load()) / progressScale
}

// Cursor returns the next expected integer cursor for (type, owner).
func (s *Sink) Cursor(t BufferType, owner int32) int64 {
	c, _ := s.cursors.next(t, owner)
	return c
}

// ResetCursors rewinds the STREAM and PKVBUF cursors of every source to
// the given checkpoint; FILE cursors are left as they are. Called by the
// coordinator during a rollback it drives itself.
func (s *Sink) ResetCursors(checkpoint int64) {
	s.cursors.reset(BufferStream, checkpoint)
	s.cursors.reset(BufferPKV, checkpoint)
}

// Rollback rewinds the cursors and notifies the coordinator, for
// rollbacks originating on the sink side.
func (s *Sink) Rollback(checkpoint int64) {
	s.ResetCursors(checkpoint)
	s.emit(SinkEvent{Type: EventRollback, Cursor: checkpoint})
}

// Close shuts the listener and waits for handlers to drain.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.tickerC)
	err := s.ln.Close()
	s.wg.Wait()
	close(s.events)
	return err
}

func (s *Sink) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed; accept loop exits.
			return
		}

		n := s.active.Add(1)
		if int(n) > s.cfg.MaxConnections {
			s.log.Debugf("refusing connection %s: %d handlers active", conn.RemoteAddr(), n)
			_, _ = conn.Write([]byte{byte(ConnectConnectionsFull)})
			_ = conn.Close()
			s.active.Add(-1)
			continue
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Sink) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer conn.Close()

	// The dispatch pool bounds concurrently served handlers to
	// min(maxConnections, max(numInputs, 5)).
	s.pool <- struct{}{}
	defer func() { <-s.pool }()

	if _, err := conn.Write([]byte{byte(ConnectOpen)}); err != nil {
		return
	}

	var tb [1]byte
	if _, err := io.ReadFull(conn, tb[:]); err != nil {
		return
	}
	t := BufferType(tb[0])
	if t > BufferPKV {
		s.log.Warnf("unknown buffer type %d from %s", tb[0], conn.RemoteAddr())
		return
	}

	if err := s.serve(conn, t); err != nil {
		s.log.Debugf("%s handler from %s: %v", t, conn.RemoteAddr(), err)
	}
}

func (s *Sink) serve(conn net.Conn, t BufferType) error {
	for {
		preamble, err := readInt32(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read preamble")
		}
		if preamble == PreambleClose {
			return nil
		}
		if preamble != PreambleData {
			return errors.Errorf("unexpected preamble %#x", preamble)
		}

		hdr, err := readHeaderFrame(conn, t)
		if err != nil {
			return err
		}
		owner := headerOwner(hdr)

		if !s.cursors.admit(hdr) {
			cursor, progress := s.cursors.next(t, owner)
			if err := writeTransfer(conn, t, TransferIgnore, cursor, progress); err != nil {
				return err
			}
			continue
		}

		cursor, progress := s.cursors.next(t, owner)
		if err := writeTransfer(conn, t, TransferReady, cursor, progress); err != nil {
			return err
		}

		payload := make([]byte, hdr.PayloadBytes())
		if _, err := io.ReadFull(conn, payload); err != nil {
			// Cursor not advanced: the source retransmits this batch
			// after reconnecting.
			return errors.Wrap(err, "read payload")
		}

		if !s.cursors.commit(hdr) {
			cursor, progress = s.cursors.next(t, owner)
			if err := writeTransfer(conn, t, TransferIgnore, cursor, progress); err != nil {
				return err
			}
			continue
		}

		if s.observer != nil {
			s.observer.ObserveReceive(uint64(len(payload)))
		}
		s.updateProgress(hdr)
		s.dispatch(t, hdr, payload)

		cursor, progress = s.cursors.next(t, owner)
		if err := writeTransfer(conn, t, TransferSuccess, cursor, progress); err != nil {
			return err
		}
	}
}

func (s *Sink) dispatch(t BufferType, hdr Header, payload []byte) {
	if r := s.receiver(t); r != nil {
		if err := r.OnBatch(hdr, payload); err != nil {
			s.log.Errorf("%s receiver: %v", t, err)
		}
	}

	owner := headerOwner(hdr)
	cursor, _ := s.cursors.next(t, owner)
	s.emit(SinkEvent{Type: EventBatchReceived, Buffer: t, Owner: owner, Cursor: cursor})

	if t == BufferStream && s.sync.observe(owner, time.Now()) {
		s.emit(SinkEvent{Type: EventSpillIter, Buffer: t})
	}

	if eofHeader(hdr) && s.cursors.eofCount(t) >= s.cfg.NumInputs {
		s.emit(SinkEvent{Type: EventAllInputsDone, Buffer: t})
	}
}

// updateProgress folds per-source progress into the task-wide sum. Each
// source's previous value is tracked separately so concurrent handlers
// only ever atomically add their own delta.
func (s *Sink) updateProgress(hdr Header) {
	var owner int32
	var progress float32
	switch h := hdr.(type) {
	case *FileHeader:
		owner, progress = h.Owner, h.Progress
	case *SnapshotHeader:
		owner, progress = h.Owner, h.Progress
	default:
		return
	}

	prev, _ := s.lastByOwner.Swap(owner, progress)
	var last float32
	if prev != nil {
		last = prev.(float32)
	}
	s.progressSum.Add(int64((progress - last) * progressScale))
}

func (s *Sink) emit(ev SinkEvent) {
	select {
	case s.events <- ev:
	default:
		// Coordinator is far behind; drop rather than stall handlers.
		s.log.Warnf("event channel full, dropping %v", ev.Type)
	}
}

func (s *Sink) asyncTicker() {
	defer s.wg.Done()
	period := s.cfg.AsyncTimeThreshold / 4
	if period < 5*time.Millisecond {
		period = 5 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.tickerC:
			return
		case now := <-ticker.C:
			if s.sync.tick(now, s.cfg.AsyncTimeThreshold) {
				s.emit(SinkEvent{Type: EventSpillIter, Buffer: BufferStream})
			}
		}
	}
}

func headerOwner(h Header) int32 {
	switch hdr := h.(type) {
	case *FileHeader:
		return hdr.Owner
	case *SnapshotHeader:
		return hdr.Owner
	case *StreamHeader:
		return hdr.Owner
	case *PKVBufferHeader:
		return hdr.Owner
	default:
		return -1
	}
}

func eofHeader(h Header) bool {
	switch hdr := h.(type) {
	case *FileHeader:
		return hdr.EOF
	case *SnapshotHeader:
		return hdr.EOF
	default:
		return false
	}
}
