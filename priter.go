// Package priter provides the runtime core of a priority-based
// iterative distributed compute framework: reducers keep per-key
// cumulative and incremental state, repeatedly activate the top-k keys
// by priority, and stream deltas through map tasks until the job
// converges.
package priter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liangfan/priter/internal/blob"
	"github.com/liangfan/priter/internal/exchange"
	"github.com/liangfan/priter/internal/interfaces"
	"github.com/liangfan/priter/internal/logging"
	"github.com/liangfan/priter/internal/mapper"
	"github.com/liangfan/priter/internal/reduce"
	"github.com/liangfan/priter/internal/state"
)

// Umbilical is the capability set a task uses to report to its host
// runtime.
type Umbilical = reduce.Umbilical

// SnapshotCompletionEvent reports a committed snapshot.
type SnapshotCompletionEvent = reduce.SnapshotCompletionEvent

// IterationCompletionEvent reports a task's final iteration.
type IterationCompletionEvent = reduce.IterationCompletionEvent

// Handle tracks a submitted job.
type Handle interface {
	// Wait blocks until the job terminates and returns its outcome.
	Wait() error
	// Stop cancels the job.
	Stop()
}

// IterativeJob is the host-facing job contract.
type IterativeJob interface {
	Init(cfg Config) error
	Submit() (Handle, error)
}

// Options carries optional job collaborators.
type Options struct {
	// Observer for metrics collection; defaults to the job's Metrics.
	Observer Observer
	// Umbilical for driver notifications; defaults to a local no-op.
	Umbilical Umbilical
}

// Job wires one process worth of map and reduce tasks over loopback
// TCP. One Job instance is one submission; construct a fresh one to
// resubmit.
type Job struct {
	ID string

	cfg   Config
	cb    Callbacks
	store *blob.Local

	inDir, outDir string
	numParts      int

	metrics   *Metrics
	observer  interfaces.Observer
	umbilical Umbilical
	log       *logging.Logger

	mapEngines    []*mapper.Engine
	mapSinks      []*exchange.Sink
	reduceEngines []*reduce.Engine
	reduceSinks   []*exchange.Sink
	coordinators  []*reduce.Coordinator
	sources       []*exchange.Source

	cancel  context.CancelFunc
	runDone chan error
	runOnce sync.Once
}

// NewJob validates the configuration and builds an unsubmitted job.
// inDir must hold one subgraph partition per task; outDir receives
// snapshots and audit logs.
func NewJob(cfg Config, cb Callbacks, store *blob.Local, inDir, outDir string, opts *Options) (*Job, error) {
	if !cfg.GetBool(KeyJob, false) {
		return nil, NewError("INIT", ErrCodeInvalidConfig, fmt.Sprintf("%s must be enabled", KeyJob))
	}
	if cb.Operator == nil || cb.Activator == nil || cb.Partitioner == nil {
		return nil, NewError("INIT", ErrCodeInvalidConfig, "Operator, Activator and Partitioner are required")
	}
	numParts := cfg.GetInt(KeyGraphPartitions, 0)
	if numParts <= 0 {
		return nil, NewError("INIT", ErrCodeInvalidConfig, fmt.Sprintf("%s must be positive", KeyGraphPartitions))
	}
	if cfg.GetFloat(KeyQueuePortion, 0) <= 0 && cfg.GetInt(KeyQueueUniqLength, 0) <= 0 {
		return nil, NewError("INIT", ErrCodeInvalidConfig,
			fmt.Sprintf("one of %s or %s must be set", KeyQueuePortion, KeyQueueUniqLength))
	}
	if store == nil {
		return nil, NewError("INIT", ErrCodeInvalidConfig, "blob store is required")
	}

	if opts == nil {
		opts = &Options{}
	}
	metrics := NewMetrics()
	var observer interfaces.Observer = NewMetricsObserver(metrics)
	if opts.Observer != nil {
		observer = opts.Observer
	}
	umbilical := opts.Umbilical
	if umbilical == nil {
		umbilical = &localUmbilical{}
	}

	j := &Job{
		ID:        uuid.NewString(),
		cfg:       cfg,
		cb:        cb,
		store:     store,
		inDir:     inDir,
		outDir:    outDir,
		numParts:  numParts,
		metrics:   metrics,
		observer:  observer,
		umbilical: umbilical,
		log:       logging.Default().Named("job"),
		runDone:   make(chan error, 1),
	}
	if err := j.build(); err != nil {
		j.teardown()
		return nil, err
	}
	return j, nil
}

// Metrics returns the job's counters.
func (j *Job) Metrics() *Metrics { return j.metrics }

// regime derives the STREAM synchronization regime from the config.
func (j *Job) regime() exchange.SyncRegime {
	switch {
	case j.cfg.GetBool(KeyAsyncTime, false):
		return exchange.SyncAsyncTime
	case j.cfg.GetBool(KeyAsyncSelf, false):
		return exchange.SyncAsyncSelf
	default:
		// priter.job.mapsync and the unset case are both strict.
		return exchange.SyncStrict
	}
}

// build constructs sinks, engines, sources and coordinators. Sinks
// come up first so every source has an address to dial.
func (j *Job) build() error {
	maxConns := j.cfg.GetInt(KeyMaxConnections, DefaultMaxConnections)
	asyncThresh := j.cfg.GetMillis(KeyAsyncTimeThresh, DefaultAsyncTimeThreshold)
	selector := state.SelectorConfig{
		Portion:  j.cfg.GetFloat(KeyQueuePortion, 0),
		QueueLen: j.cfg.GetInt(KeyQueueUniqLength, 0),
		// Per-reducer share of the global key count, when configured.
		TotalKeys: j.cfg.GetInt(KeyGraphNodes, 0) / j.numParts,
	}

	for p := 0; p < j.numParts; p++ {
		rsink, err := exchange.NewSink(exchange.SinkConfig{
			NumInputs:          j.numParts,
			MaxConnections:     maxConns,
			Regime:             j.regime(),
			AsyncTimeThreshold: asyncThresh,
			SelfOwner:          int32(p),
			Observer:           j.observer,
		})
		if err != nil {
			return WrapError("INIT", ErrCodeIO, err)
		}
		j.reduceSinks = append(j.reduceSinks, rsink)

		msink, err := exchange.NewSink(exchange.SinkConfig{
			NumInputs:      j.numParts,
			MaxConnections: maxConns,
			Observer:       j.observer,
		})
		if err != nil {
			return WrapError("INIT", ErrCodeIO, err)
		}
		j.mapSinks = append(j.mapSinks, msink)

		meng, err := mapper.NewEngine(mapper.Config{
			PartitionID:   p,
			NumPartitions: j.numParts,
			Operator:      j.cb.Operator,
			Activator:     j.cb.Activator,
			Partitioner:   j.cb.Partitioner,
			Store:         j.store,
			InDir:         j.inDir,
			InMem:         j.cfg.GetBool(KeyTransferMem, true),
			Observer:      j.observer,
		})
		if err != nil {
			return WrapError("INIT", ErrCodeInvalidConfig, err)
		}
		j.mapEngines = append(j.mapEngines, meng)

		reng, err := reduce.NewEngine(reduce.EngineConfig{
			ReduceID:       int32(p),
			Operator:       j.cb.Operator,
			Selector:       selector,
			Store:          j.store,
			InDir:          j.inDir,
			OutDir:         j.outDir,
			TopK:           j.cfg.GetInt(KeySnapshotTopK, DefaultSnapshotTopK),
			StopDifference: j.cfg.GetFloat(KeyStopDifference, 0),
			ReaderWindow:   j.cfg.GetInt(KeyFileBufferSize, DefaultReaderWindow),
			Observer:       j.observer,
		})
		if err != nil {
			return WrapError("INIT", ErrCodeInvalidConfig, err)
		}
		j.reduceEngines = append(j.reduceEngines, reng)

		// Accepted activation buffers feed the map input; accepted
		// stream batches merge into the reduce state.
		buffer := meng.Buffer()
		msink.Register(exchange.BufferPKV, exchange.ReceiverFunc(func(h exchange.Header, payload []byte) error {
			hdr, ok := h.(*exchange.PKVBufferHeader)
			if !ok {
				return NewError("PKVBUF", ErrCodeProtocol, "unexpected header type")
			}
			return buffer.Read(hdr, payload)
		}))
		engine := reng
		rsink.Register(exchange.BufferStream, exchange.ReceiverFunc(func(h exchange.Header, payload []byte) error {
			return engine.MergeBatch(payload)
		}))
	}

	// Sources: every reducer pushes activation buffers and iteration
	// markers to every map sink; every map task streams deltas to
	// every reduce sink.
	retryBudget := DefaultRetryBudget
	for p := 0; p < j.numParts; p++ {
		var pkvSrcs, markerSrcs []*exchange.Source
		for m := 0; m < j.numParts; m++ {
			pkv := exchange.NewSource(exchange.SourceConfig{
				Request: exchange.BufferRequest{
					DestTaskID:  int32(m),
					DestAddr:    j.mapSinks[m].Addr(),
					PartitionID: m,
					Type:        exchange.BufferPKV,
				},
				RetryBudget: retryBudget,
				Observer:    j.observer,
			})
			marker := exchange.NewSource(exchange.SourceConfig{
				Request: exchange.BufferRequest{
					DestTaskID:  int32(m),
					DestAddr:    j.mapSinks[m].Addr(),
					PartitionID: m,
					Type:        exchange.BufferStream,
				},
				RetryBudget: retryBudget,
			})
			pkvSrcs = append(pkvSrcs, pkv)
			markerSrcs = append(markerSrcs, marker)
			j.sources = append(j.sources, pkv, marker)
		}

		sink := j.reduceSinks[p]
		coord, err := reduce.NewCoordinator(reduce.CoordinatorConfig{
			JobID:            j.ID,
			ReduceID:         int32(p),
			Engine:           j.reduceEngines[p],
			Events:           sink.Events(),
			PKVSources:       pkvSrcs,
			MarkerSources:    markerSrcs,
			RollbackCursors:  sink.ResetCursors,
			SnapshotInterval: j.cfg.GetMillis(KeySnapshotInterval, DefaultSnapshotInterval),
			StopMaxTime:      j.cfg.GetMillis(KeyStopMaxTime, 0),
			Umbilical:        j.umbilical,
			Observer:         j.observer,
		})
		if err != nil {
			return WrapError("INIT", ErrCodeInvalidConfig, err)
		}
		j.coordinators = append(j.coordinators, coord)
	}
	return nil
}

// Seed enqueues one initial (key, iState) pair on the owning map task,
// called before Submit to bootstrap the first round.
func (j *Job) Seed(k Key, iState []byte) {
	p := j.cb.Partitioner(k, j.numParts)
	j.mapEngines[p].Buffer().Init(k, iState)
}

// Init implements IterativeJob for a pre-built job.
func (j *Job) Init(cfg Config) error {
	if len(cfg) == 0 {
		return NewError("INIT", ErrCodeInvalidConfig, "empty configuration")
	}
	return nil
}

// Submit starts every task and returns a handle.
func (j *Job) Submit() (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.runOnce.Do(func() {
		go func() { j.runDone <- j.run(ctx) }()
	})
	return jobHandle{j: j}, nil
}

type jobHandle struct{ j *Job }

func (h jobHandle) Wait() error { return <-h.j.runDone }
func (h jobHandle) Stop()       { h.j.cancel() }

// Run executes the job synchronously until every reducer terminates.
func (j *Job) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.cancel = cancel
	return j.run(ctx)
}

func (j *Job) run(ctx context.Context) error {
	defer j.teardown()
	defer j.metrics.Stop()

	for _, eng := range j.mapEngines {
		if err := eng.LoadSubgraph(); err != nil {
			return WrapError("LOAD", ErrCodeIO, err)
		}
	}

	mapCtx, stopMaps := context.WithCancel(ctx)
	defer stopMaps()

	var maps errgroup.Group
	for m := 0; m < j.numParts; m++ {
		m := m
		maps.Go(func() error { return j.mapLoop(mapCtx, m) })
	}

	var reducers errgroup.Group
	for _, coord := range j.coordinators {
		coord := coord
		reducers.Go(func() error { return coord.Run(ctx) })
	}

	err := reducers.Wait()
	stopMaps()
	if mapErr := maps.Wait(); err == nil {
		err = mapErr
	}
	return err
}

// mapLoop drives one map task: wake on buffered input, run the
// activation pass, stream one delta batch per reduce partition.
func (j *Job) mapLoop(ctx context.Context, m int) error {
	eng := j.mapEngines[m]

	// A dedicated stream source per destination reducer.
	srcs := make([]*exchange.Source, j.numParts)
	seqs := make([]int64, j.numParts)
	for r := 0; r < j.numParts; r++ {
		srcs[r] = exchange.NewSource(exchange.SourceConfig{
			Request: exchange.BufferRequest{
				DestTaskID:  int32(r),
				DestAddr:    j.reduceSinks[r].Addr(),
				PartitionID: r,
				Type:        exchange.BufferStream,
			},
			RetryBudget: DefaultRetryBudget,
			Observer:    j.observer,
		})
	}
	defer func() {
		for _, s := range srcs {
			_ = s.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-eng.Buffer().Wake():
		}

		batches, err := eng.RunOnce()
		if err != nil {
			return WrapError("ACTIVATE", ErrCodeCodec, err)
		}
		for r, payload := range batches {
			hdr := &exchange.StreamHeader{
				Owner:    int32(m),
				Sequence: seqs[r],
				Bytes:    uint64(len(payload)),
			}
			if _, err := srcs[r].Send(hdr, payload); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return WrapError("STREAM", ErrCodeIO, err)
			}
			seqs[r]++
		}
	}
}

// Ranks merges the live cumulative state of every reducer. Intended
// for drivers reading results after Wait returns.
func (j *Job) Ranks() map[Key][]byte {
	out := make(map[Key][]byte)
	for _, eng := range j.reduceEngines {
		eng.Store().Range(func(k interfaces.Key, e state.Entry) bool {
			if e.CState != nil {
				out[k] = append([]byte{}, e.CState...)
			}
			return true
		})
	}
	return out
}

// SnapshotIDs returns the last committed snapshot id per reducer.
func (j *Job) SnapshotIDs() []int64 {
	ids := make([]int64, len(j.reduceEngines))
	for i, eng := range j.reduceEngines {
		ids[i] = eng.SnapshotID()
	}
	return ids
}

func (j *Job) teardown() {
	for _, s := range j.sources {
		_ = s.Close()
	}
	for _, s := range j.mapSinks {
		_ = s.Close()
	}
	for _, s := range j.reduceSinks {
		_ = s.Close()
	}
}

// localUmbilical is the in-process default: it keeps the last status
// strings and never orders a rollback.
type localUmbilical struct {
	mu     sync.Mutex
	status map[int32]string
}

func (u *localUmbilical) StatusUpdate(taskID int32, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status == nil {
		u.status = make(map[int32]string)
	}
	u.status[taskID] = message
}

func (u *localUmbilical) Ping(int32)                               {}
func (u *localUmbilical) Done(int32)                               {}
func (u *localUmbilical) SnapshotCommit(SnapshotCompletionEvent)   {}
func (u *localUmbilical) AfterIterCommit(IterationCompletionEvent) {}
func (u *localUmbilical) RollbackCheck(int32) (int64, bool)        { return 0, false }
