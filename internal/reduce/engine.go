// Package reduce implements the reduce side of the iteration loop: the
// priority state engine over the keyed triple store, snapshot
// publication and the per-task iteration coordinator.
package reduce

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/liangfan/priter/internal/blob"
	"github.com/liangfan/priter/internal/codec"
	"github.com/liangfan/priter/internal/interfaces"
	"github.com/liangfan/priter/internal/logging"
	"github.com/liangfan/priter/internal/state"
)

// EngineConfig parameterizes a reduce-side priority state engine.
type EngineConfig struct {
	ReduceID int32
	Operator interfaces.Operator
	Selector state.SelectorConfig
	// Store persists snapshots and the activation audit log.
	Store blob.Store
	// InDir holds the static partition; OutDir receives snapshots.
	InDir  string
	OutDir string
	// TopK is the snapshot row count.
	TopK int
	// StopDifference is the convergence threshold over the sampled
	// top-k cumulative values.
	StopDifference float64
	// ReaderWindow sizes the record reader windows
	// (io.file.buffer.size); 0 keeps the codec default.
	ReaderWindow int
	Logger       *logging.Logger
	Observer     interfaces.Observer
}

// Engine owns one reducer's cumulative and incremental state, selects
// activation sets by priority and publishes top-k snapshots.
type Engine struct {
	cfg      EngineConfig
	log      *logging.Logger
	store    *state.Store
	selector *state.Selector

	snapshotID   int64
	prevSnapshot map[interfaces.Key][]byte
	lastMaxDiff  float64
	diffValid    bool
}

// NewEngine creates an engine with empty state.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Operator == nil {
		return nil, errors.New("reduce: Operator is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("reduce")
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    state.NewStore(cfg.Operator),
		selector: state.NewSelector(cfg.Selector),
	}, nil
}

// Store exposes the underlying triple store.
func (e *Engine) Store() *state.Store { return e.store }

// SnapshotID returns the id of the last published snapshot, 0 before
// the first.
func (e *Engine) SnapshotID() int64 { return e.snapshotID }

// SnapshotRows returns the row count of the last published snapshot.
func (e *Engine) SnapshotRows() int { return len(e.prevSnapshot) }

// LoadStatic reads this reducer's static partition into the store and
// re-merges any deltas that were buffered waiting for it. The partition
// format matches the map side: one "<key>\t<data>" text line per key.
func (e *Engine) LoadStatic() error {
	name := blob.SubgraphPart(e.cfg.InDir, int(e.cfg.ReduceID))
	r, err := e.cfg.Store.Open(name)
	if err != nil {
		return errors.Wrapf(err, "open static partition %d", e.cfg.ReduceID)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		keyText, static, _ := strings.Cut(line, "\t")
		id, err := strconv.ParseInt(keyText, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "static partition: bad key %q", keyText)
		}
		e.store.SetStatic(interfaces.Key(id), []byte(static))
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read static partition")
	}

	if n := e.store.FlushPending(); n > 0 {
		e.log.Debugf("re-merged %d pending deltas after static refresh", n)
	}
	return nil
}

// MergeDelta integrates one incoming delta. Deltas for keys without
// static data are buffered and re-merged after the next refresh rather
// than dropped.
func (e *Engine) MergeDelta(k interfaces.Key, delta []byte) {
	if _, ok := e.store.Static(k); !ok {
		e.store.MergeDeltaPending(k, delta)
		return
	}
	e.store.MergeDelta(k, delta)
}

// MergeBatch decodes a KV record stream and merges every delta.
func (e *Engine) MergeBatch(payload []byte) error {
	r := codec.NewReader(bytes.NewReader(payload), codec.KindKV, codec.ReaderOpts{WindowSize: e.cfg.ReaderWindow})
	merged := uint64(0)
	for {
		rec, ok, err := r.ReadKV()
		if err != nil {
			return errors.Wrap(err, "decode delta batch")
		}
		if !ok {
			break
		}
		k, err := codec.KeyFromBytes(rec.Key)
		if err != nil {
			return err
		}
		e.MergeDelta(k, append([]byte{}, rec.Value...))
		merged++
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveMerge(merged)
	}
	return nil
}

// SelectActivation materializes the activation set under the configured
// policy, resets the drained iStates and appends one audit line per
// selected key to the exequeue log.
func (e *Engine) SelectActivation(iteration int64) ([]state.Activation, error) {
	acts := e.selector.Select(e.store)
	if len(acts) == 0 {
		return nil, nil
	}
	if err := e.appendExeQueue(iteration, acts); err != nil {
		return nil, err
	}
	return acts, nil
}

// Update folds a drained incremental value into key k's cumulative
// state via the user callback and returns the delta to emit downstream.
func (e *Engine) Update(k interfaces.Key, iState []byte) []byte {
	entry, _ := e.store.Get(k)
	cState := entry.CState
	if cState == nil {
		cState = e.cfg.Operator.Unit()
	}
	newC, delta := e.cfg.Operator.Update(iState, cState)
	e.store.SetCState(k, newC)
	return delta
}

// topEntries returns the top-n entries by cumulative value descending,
// ties by ascending key.
func (e *Engine) topEntries(n int) []state.Activation {
	op := e.cfg.Operator
	var all []state.Activation
	e.store.Range(func(k interfaces.Key, entry state.Entry) bool {
		c := entry.CState
		if c == nil {
			c = op.Unit()
		}
		all = append(all, state.Activation{Key: k, Priority: c})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if c := op.Compare(all[i].Priority, all[j].Priority); c != 0 {
			return c > 0
		}
		return all[i].Key < all[j].Key
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Snapshot writes the top-k entries by cState as a StaticRec stream
// under the next snapshot id. The previous snapshot is removed only
// after the new one is fully committed via rename.
func (e *Engine) Snapshot() (int64, error) {
	started := time.Now()
	top := e.topEntries(e.cfg.TopK)
	next := e.snapshotID + 1

	tmp := fmt.Sprintf("%s/_snapshotTemp/%d-part-%d", e.cfg.OutDir, next, e.cfg.ReduceID)
	w, err := e.cfg.Store.Create(tmp)
	if err != nil {
		return 0, err
	}
	// Snapshots ride the compressed block layer; the trailing checksum
	// catches torn writes on restore.
	rw := codec.NewWriter(codec.NewBlockWriter(w, 0), codec.KindStatic)
	for _, entry := range top {
		if err := rw.AppendStaticRec(codec.StaticRec{
			Key:    codec.KeyBytes(entry.Key),
			Static: entry.Priority,
		}); err != nil {
			w.Close()
			return 0, err
		}
	}
	if err := rw.Close(); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, errors.Wrap(err, "flush snapshot")
	}

	final := blob.SnapshotPart(e.cfg.OutDir, next, e.cfg.ReduceID)
	if err := e.cfg.Store.Rename(tmp, final); err != nil {
		return 0, err
	}

	if prev := e.snapshotID; prev > 0 {
		if err := e.cfg.Store.Delete(blob.SnapshotDir(e.cfg.OutDir, prev)); err != nil {
			e.log.Warnf("drop snapshot %d: %v", prev, err)
		}
	}
	e.snapshotID = next

	// Diff this snapshot against the previous one on the sampled keys
	// before replacing the sample.
	sample := make(map[interfaces.Key][]byte, len(top))
	for _, entry := range top {
		sample[entry.Key] = append([]byte{}, entry.Priority...)
	}
	if e.prevSnapshot != nil {
		maxDiff := 0.0
		for k, prev := range e.prevSnapshot {
			cur, ok := sample[k]
			if !ok {
				// Key fell out of the top-k; still moving.
				maxDiff = e.cfg.StopDifference + 1
				break
			}
			if d := e.cfg.Operator.Diff(cur, prev); d > maxDiff {
				maxDiff = d
			}
		}
		e.lastMaxDiff = maxDiff
		e.diffValid = true
	}
	e.prevSnapshot = sample

	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveSnapshot(uint64(time.Since(started).Nanoseconds()), uint64(len(top)))
	}
	return next, nil
}

// CheckDone compares the two most recent snapshots on the sampled
// top-k keys; converged when the max element-wise difference falls
// under the configured threshold.
func (e *Engine) CheckDone() bool {
	if e.cfg.StopDifference <= 0 || !e.diffValid {
		return false
	}
	return e.lastMaxDiff < e.cfg.StopDifference
}

// RestoreFromSnapshot reloads cState from the snapshot with the given
// id; every restored key's iState returns to the unit element.
func (e *Engine) RestoreFromSnapshot(id int64) error {
	name := blob.SnapshotPart(e.cfg.OutDir, id, e.cfg.ReduceID)
	r, err := e.cfg.Store.Open(name)
	if err != nil {
		return errors.Wrapf(err, "open snapshot %d", id)
	}
	defer r.Close()

	unit := e.cfg.Operator.Unit()
	cr := codec.NewReader(codec.NewBlockReader(r), codec.KindStatic, codec.ReaderOpts{WindowSize: e.cfg.ReaderWindow})
	for {
		rec, ok, err := cr.ReadStaticRec()
		if err != nil {
			return errors.Wrapf(err, "decode snapshot %d", id)
		}
		if !ok {
			break
		}
		k, err := codec.KeyFromBytes(rec.Key)
		if err != nil {
			return err
		}
		e.store.Restore(k, unit, append([]byte{}, rec.Static...))
	}
	e.snapshotID = id
	e.prevSnapshot = nil
	e.diffValid = false
	return nil
}

// appendExeQueue writes one "(iter, key, priority, cState)" TSV line
// per selected key for offline inspection.
func (e *Engine) appendExeQueue(iteration int64, acts []state.Activation) error {
	name := blob.ExeQueuePath(e.cfg.OutDir, e.cfg.ReduceID)
	w, err := e.cfg.Store.Append(name)
	if err != nil {
		return err
	}
	defer w.Close()
	bw := bufio.NewWriter(w)
	for _, a := range acts {
		entry, _ := e.store.Get(a.Key)
		c := entry.CState
		if c == nil {
			c = e.cfg.Operator.Unit()
		}
		fmt.Fprintf(bw, "%d\t%d\t%x\t%x\n", iteration, a.Key, a.Priority, c)
	}
	return bw.Flush()
}
