package reduce

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/liangfan/priter/internal/codec"
	"github.com/liangfan/priter/internal/exchange"
	"github.com/liangfan/priter/internal/interfaces"
	"github.com/liangfan/priter/internal/logging"
)

// Phase is the coordinator's externally visible state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseReady
	PhaseMerging
	PhaseSelecting
	PhaseSnapshotting
	PhaseTerminating
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseReady:
		return "READY"
	case PhaseMerging:
		return "MERGING"
	case PhaseSelecting:
		return "SELECTING"
	case PhaseSnapshotting:
		return "SNAPSHOTTING"
	case PhaseTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}

// SnapshotCompletionEvent reports one committed snapshot to the driver.
type SnapshotCompletionEvent struct {
	JobID      string
	TaskID     int32
	SnapshotID int64
	Rows       int
}

// IterationCompletionEvent reports the final iteration to the driver.
type IterationCompletionEvent struct {
	IterationNum       int64
	TaskID             int32
	Checkpoint         int64
	SnapshotCheckpoint int64
	JobID              string
}

// Umbilical is the capability set a task uses to talk to its host
// runtime. Everything behind it is external to the core.
type Umbilical interface {
	StatusUpdate(taskID int32, message string)
	Ping(taskID int32)
	Done(taskID int32)
	SnapshotCommit(ev SnapshotCompletionEvent)
	AfterIterCommit(ev IterationCompletionEvent)
	// RollbackCheck returns a checkpoint to roll back to, when the
	// driver has ordered one.
	RollbackCheck(taskID int32) (int64, bool)
}

// CoordinatorConfig wires one reducer's iteration loop.
type CoordinatorConfig struct {
	JobID    string
	ReduceID int32
	Engine   *Engine
	// Events is the sink's event channel; the coordinator drains it
	// and never reaches back into the sink.
	Events <-chan exchange.SinkEvent
	// PKVSources push activation buffers, one per map task.
	PKVSources []*exchange.Source
	// MarkerSources push the per-iteration STREAM marker that lets
	// downstream sinks advance their cursors, one per map task.
	MarkerSources []*exchange.Source
	// RollbackCursors rewinds the local sink's cursors on rollback.
	RollbackCursors func(checkpoint int64)
	// SnapshotInterval is the cadence between snapshots.
	SnapshotInterval time.Duration
	// StopMaxTime caps the job's wall clock; zero disables it.
	StopMaxTime time.Duration
	Umbilical   Umbilical
	Logger      *logging.Logger
	Observer    interfaces.Observer
	// PingInterval paces liveness pings; defaults to one second.
	PingInterval time.Duration
}

// Coordinator drives one reducer through ordered phases: wait for the
// spill signal, select and activate, emit downstream, snapshot on
// cadence, and terminate on convergence or timeout.
type Coordinator struct {
	cfg CoordinatorConfig
	log *logging.Logger

	phase        Phase
	iteration    int64
	lastSnapshot time.Time
	started      time.Time
}

// NewCoordinator creates a coordinator in the INIT phase.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("reduce: Engine is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("reduce: sink event channel is required")
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("coordinator")
	}
	return &Coordinator{cfg: cfg, log: cfg.Logger, phase: PhaseInit}, nil
}

// Phase returns the coordinator's current phase.
func (c *Coordinator) Phase() Phase { return c.phase }

// Iteration returns the number of completed activation rounds.
func (c *Coordinator) Iteration() int64 { return c.iteration }

// Run executes the task main loop until convergence, timeout, or
// context cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	c.started = time.Now()
	c.lastSnapshot = c.started

	if err := c.cfg.Engine.LoadStatic(); err != nil {
		return err
	}
	c.phase = PhaseReady
	c.status("ready")

	var deadline <-chan time.Time
	if c.cfg.StopMaxTime > 0 {
		timer := time.NewTimer(c.cfg.StopMaxTime)
		defer timer.Stop()
		deadline = timer.C
	}
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			c.phase = PhaseTerminating
			return ctx.Err()

		case <-deadline:
			// Hitting the wall clock cap is orderly termination, not
			// an error.
			c.status("stop.maxtime elapsed")
			return c.terminate()

		case <-ping.C:
			if c.cfg.Umbilical != nil {
				c.cfg.Umbilical.Ping(c.cfg.ReduceID)
			}

		case ev, ok := <-c.cfg.Events:
			if !ok {
				c.phase = PhaseTerminating
				return nil
			}
			done, err := c.onEvent(ev)
			if err != nil {
				return err
			}
			if done {
				return c.terminate()
			}
		}
	}
}

func (c *Coordinator) onEvent(ev exchange.SinkEvent) (bool, error) {
	switch ev.Type {
	case exchange.EventBatchReceived:
		// Handlers merged the batch already; nothing to drive here.
		c.phase = PhaseMerging
		return false, nil

	case exchange.EventRollback:
		return false, c.rollback(ev.Cursor)

	case exchange.EventSpillIter:
		if err := c.runIteration(); err != nil {
			return false, err
		}
		return c.maybeSnapshot()

	case exchange.EventAllInputsDone:
		return true, nil

	default:
		return false, nil
	}
}

// runIteration performs one activation round: select, update, emit the
// PKVBUF batches to every map task, then the stream marker.
func (c *Coordinator) runIteration() error {
	c.phase = PhaseSelecting
	defer func() { c.phase = PhaseReady }()

	acts, err := c.cfg.Engine.SelectActivation(c.iteration)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := codec.NewWriter(&buf, codec.KindPKV)
	for _, a := range acts {
		delta := c.cfg.Engine.Update(a.Key, a.Priority)
		if err := w.AppendPKV(codec.PKV{
			Priority: a.Priority,
			Key:      codec.KeyBytes(a.Key),
			Value:    delta,
		}); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	payload := buf.Bytes()

	// Push the activation buffer to every map task in parallel.
	var g errgroup.Group
	for _, src := range c.cfg.PKVSources {
		src := src
		g.Go(func() error {
			hdr := &exchange.PKVBufferHeader{
				Owner:     c.cfg.ReduceID,
				Iteration: c.iteration,
				Bytes:     uint64(len(payload)),
			}
			_, err := src.Send(hdr, payload)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "emit activation buffers")
	}

	// Iteration marker so downstream sinks advance their cursors.
	for _, src := range c.cfg.MarkerSources {
		hdr := &exchange.StreamHeader{Owner: c.cfg.ReduceID, Sequence: c.iteration, Bytes: 0}
		if _, err := src.Send(hdr, nil); err != nil {
			return errors.Wrap(err, "emit iteration marker")
		}
	}

	c.iteration++
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveIteration()
	}
	return nil
}

// maybeSnapshot publishes a snapshot when the cadence expired and then
// evaluates termination. Snapshots hold an exclusive latch against
// selection by construction: both run on the coordinator goroutine.
func (c *Coordinator) maybeSnapshot() (bool, error) {
	if c.cfg.Umbilical != nil {
		if checkpoint, ok := c.cfg.Umbilical.RollbackCheck(c.cfg.ReduceID); ok {
			return false, c.rollback(checkpoint)
		}
	}

	if time.Since(c.lastSnapshot) < c.cfg.SnapshotInterval {
		return false, nil
	}

	c.phase = PhaseSnapshotting
	defer func() { c.phase = PhaseReady }()

	id, err := c.cfg.Engine.Snapshot()
	if err != nil {
		return false, err
	}
	c.lastSnapshot = time.Now()
	if c.cfg.Umbilical != nil {
		c.cfg.Umbilical.SnapshotCommit(SnapshotCompletionEvent{
			JobID:      c.cfg.JobID,
			TaskID:     c.cfg.ReduceID,
			SnapshotID: id,
			Rows:       c.cfg.Engine.SnapshotRows(),
		})
	}

	if c.cfg.Engine.CheckDone() {
		c.status("converged")
		return true, nil
	}
	if c.cfg.StopMaxTime > 0 && time.Since(c.started) >= c.cfg.StopMaxTime {
		c.status("stop.maxtime elapsed")
		return true, nil
	}
	return false, nil
}

// rollback reloads state from the snapshot at or below the checkpoint
// and rewinds every cursor the task owns.
func (c *Coordinator) rollback(checkpoint int64) error {
	id := c.cfg.Engine.SnapshotID()
	if id > checkpoint {
		id = checkpoint
	}
	if id > 0 {
		if err := c.cfg.Engine.RestoreFromSnapshot(id); err != nil {
			return err
		}
	}
	if c.cfg.RollbackCursors != nil {
		c.cfg.RollbackCursors(checkpoint)
	}
	c.iteration = checkpoint
	c.status("rolled back")
	return nil
}

func (c *Coordinator) terminate() error {
	c.phase = PhaseTerminating
	if c.cfg.Umbilical != nil {
		c.cfg.Umbilical.AfterIterCommit(IterationCompletionEvent{
			IterationNum:       c.iteration,
			TaskID:             c.cfg.ReduceID,
			Checkpoint:         c.iteration,
			SnapshotCheckpoint: c.cfg.Engine.SnapshotID(),
			JobID:              c.cfg.JobID,
		})
		c.cfg.Umbilical.Done(c.cfg.ReduceID)
	}
	return nil
}

func (c *Coordinator) status(msg string) {
	c.log.Debugf("reduce %d: %s (iter=%d)", c.cfg.ReduceID, msg, c.iteration)
	if c.cfg.Umbilical != nil {
		c.cfg.Umbilical.StatusUpdate(c.cfg.ReduceID, msg)
	}
}
