package exchange

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/liangfan/priter/internal/interfaces"
	"github.com/liangfan/priter/internal/logging"
)

// BufferRequest names the destination of a source endpoint.
type BufferRequest struct {
	DestTaskID  int32
	DestAddr    string
	PartitionID int
	Type        BufferType
}

// SourceConfig configures a source endpoint.
type SourceConfig struct {
	Request BufferRequest
	// RetryBudget bounds reconnect-and-retransmit attempts per batch.
	RetryBudget int
	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	Logger      *logging.Logger
	Observer    interfaces.Observer
}

// ErrTerminated is returned after the remote sent TERMINATE; the source
// is permanently unusable.
var ErrTerminated = errors.New("exchange: source terminated by remote")

// ErrConnectionsFull is returned when the remote refuses the connection.
var ErrConnectionsFull = errors.New("exchange: remote connections full")

// Source holds one socket to a destination sink and pushes header +
// payload frames, honoring the sink's cursor feedback. Connection is
// lazy; a batch refused with RETRY or lost to an I/O error is
// retransmitted after reconnecting, up to the retry budget.
type Source struct {
	cfg SourceConfig
	log *logging.Logger

	mu         sync.Mutex
	conn       net.Conn
	terminated bool
	closed     bool
	cursor     int64
	progress   float32
}

// NewSource creates a source for the given request. No connection is
// made until the first Send.
func NewSource(cfg SourceConfig) *Source {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("source")
	}
	return &Source{cfg: cfg, log: cfg.Logger}
}

// Cursor returns the sink's last reported next-expected cursor.
func (s *Source) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Progress returns the sink's last reported next-expected progress
// (SNAPSHOT sources only).
func (s *Source) Progress() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// connectLocked opens the socket and runs the handshake: read the
// Connect byte, then announce our buffer type.
func (s *Source) connectLocked() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", s.cfg.Request.DestAddr, s.cfg.DialTimeout)
	if err != nil {
		return errors.Wrapf(err, "dial %s", s.cfg.Request.DestAddr)
	}

	var cb [1]byte
	if _, err := conn.Read(cb[:]); err != nil {
		conn.Close()
		return errors.Wrap(err, "read connect response")
	}
	switch Connect(cb[0]) {
	case ConnectOpen:
	case ConnectConnectionsFull:
		conn.Close()
		return ErrConnectionsFull
	default:
		conn.Close()
		return errors.Errorf("connect refused: %s", Connect(cb[0]))
	}

	if _, err := conn.Write([]byte{byte(s.cfg.Request.Type)}); err != nil {
		conn.Close()
		return errors.Wrap(err, "announce buffer type")
	}
	s.conn = conn
	return nil
}

func (s *Source) closeConnLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Send pushes one batch and returns the sink's final verdict:
// TransferSuccess on acceptance, TransferIgnore when deduplicated. RETRY
// and transport errors are retried internally with exponential backoff
// until the budget runs out.
func (s *Source) Send(hdr Header, payload []byte) (Transfer, error) {
	if hdr.Type() != s.cfg.Request.Type {
		return 0, errors.Errorf("source carries %s, not %s", s.cfg.Request.Type, hdr.Type())
	}
	if uint64(len(payload)) != hdr.PayloadBytes() {
		return 0, errors.Errorf("header announces %d payload bytes, have %d", hdr.PayloadBytes(), len(payload))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return 0, ErrTerminated
	}
	if s.closed {
		return 0, errors.New("exchange: source closed")
	}

	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err := s.connectLocked(); err != nil {
			if errors.Is(err, ErrConnectionsFull) {
				return 0, err
			}
			lastErr = err
			continue
		}

		status, err := s.sendOnceLocked(hdr, payload)
		if err != nil {
			// Transport fault: drop the socket; the cursor rewinds to
			// the sink's last acknowledged value on reconnect.
			s.closeConnLocked()
			lastErr = err
			continue
		}

		switch status {
		case TransferSuccess, TransferIgnore:
			if s.cfg.Observer != nil && status == TransferSuccess {
				s.cfg.Observer.ObserveSend(uint64(len(payload)))
			}
			return status, nil
		case TransferRetry:
			s.closeConnLocked()
			lastErr = errors.New("remote requested retry")
			continue
		case TransferTerminate:
			s.terminated = true
			s.closeConnLocked()
			return status, ErrTerminated
		case TransferClosed:
			s.closeConnLocked()
			lastErr = errors.New("remote closed")
			continue
		default:
			s.closeConnLocked()
			lastErr = errors.Errorf("unexpected transfer status %s", status)
			continue
		}
	}
	return 0, errors.Wrapf(lastErr, "retry budget exhausted after %d attempts", s.cfg.RetryBudget+1)
}

// sendOnceLocked runs one preamble/header/payload round on the live
// connection.
func (s *Source) sendOnceLocked(hdr Header, payload []byte) (Transfer, error) {
	conn := s.conn
	t := s.cfg.Request.Type

	if err := writeInt32(conn, PreambleData); err != nil {
		return 0, errors.Wrap(err, "write preamble")
	}
	if err := writeHeaderFrame(conn, hdr); err != nil {
		return 0, err
	}

	status, cursor, progress, err := readTransfer(conn, t)
	if err != nil {
		return 0, errors.Wrap(err, "read batch verdict")
	}
	s.recordFeedback(t, cursor, progress)
	if status != TransferReady {
		return status, nil
	}

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return 0, errors.Wrap(err, "write payload")
		}
	}

	status, cursor, progress, err = readTransfer(conn, t)
	if err != nil {
		return 0, errors.Wrap(err, "read batch ack")
	}
	s.recordFeedback(t, cursor, progress)
	return status, nil
}

func (s *Source) recordFeedback(t BufferType, cursor int64, progress float32) {
	if t == BufferSnapshot {
		s.progress = progress
		return
	}
	s.cursor = cursor
}

// Close writes the closing preamble and releases the socket.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		_ = writeInt32(s.conn, PreambleClose)
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
