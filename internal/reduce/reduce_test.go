package reduce

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liangfan/priter/internal/blob"
	"github.com/liangfan/priter/internal/codec"
	"github.com/liangfan/priter/internal/exchange"
	"github.com/liangfan/priter/internal/interfaces"
	"github.com/liangfan/priter/internal/state"
)

type sumOp struct{}

func encF(v float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}

func decF(b []byte) float64 {
	if len(b) < 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (sumOp) Combine(a, b []byte) []byte { return encF(decF(a) + decF(b)) }
func (sumOp) Compare(a, b []byte) int {
	fa, fb := decF(a), decF(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}
func (sumOp) Unit() []byte { return encF(0) }
func (sumOp) Update(iState, cState []byte) ([]byte, []byte) {
	return encF(decF(cState) + decF(iState)), iState
}
func (sumOp) Diff(a, b []byte) float64 { return math.Abs(decF(a) - decF(b)) }

func newTestEngine(t *testing.T, selector state.SelectorConfig) (*Engine, *blob.Local) {
	t.Helper()
	store, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	w, err := store.Create(blob.SubgraphPart("in", 0))
	require.NoError(t, err)
	_, err = w.Write([]byte("1\t2 3\n2\t1\n3\t2\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	e, err := NewEngine(EngineConfig{
		ReduceID:       0,
		Operator:       sumOp{},
		Selector:       selector,
		Store:          store,
		InDir:          "in",
		OutDir:         "out",
		TopK:           10,
		StopDifference: 0.01,
	})
	require.NoError(t, err)
	return e, store
}

func TestLoadStaticAndPendingReMerge(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})

	// A delta arriving before the static load is buffered, not dropped.
	e.MergeDelta(2, encF(0.5))
	_, ok := e.Store().Get(2)
	assert.False(t, ok)

	require.NoError(t, e.LoadStatic())
	entry, ok := e.Store().Get(2)
	require.True(t, ok)
	assert.InDelta(t, 0.5, decF(entry.IState), 1e-9)
}

func TestMergeBatch(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())

	var buf bytes.Buffer
	w := codec.NewWriter(&buf, codec.KindKV)
	require.NoError(t, w.AppendKV(codec.KV{Key: codec.KeyBytes(1), Value: encF(0.3)}))
	require.NoError(t, w.AppendKV(codec.KV{Key: codec.KeyBytes(1), Value: encF(0.2)}))
	require.NoError(t, w.Close())

	require.NoError(t, e.MergeBatch(buf.Bytes()))
	entry, _ := e.Store().Get(1)
	assert.InDelta(t, 0.5, decF(entry.IState), 1e-9)
}

func TestUpdateFoldsIntoCState(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())

	delta := e.Update(1, encF(0.4))
	assert.InDelta(t, 0.4, decF(delta), 1e-9, "sum update emits the folded delta")

	entry, _ := e.Store().Get(1)
	assert.InDelta(t, 0.4, decF(entry.CState), 1e-9)

	e.Update(1, encF(0.1))
	entry, _ = e.Store().Get(1)
	assert.InDelta(t, 0.5, decF(entry.CState), 1e-9, "cState is monotone under sum")
}

func TestSelectActivationWritesExeQueue(t *testing.T) {
	e, store := newTestEngine(t, state.SelectorConfig{QueueLen: 2})
	require.NoError(t, e.LoadStatic())
	e.MergeDelta(1, encF(0.9))
	e.MergeDelta(2, encF(0.7))
	e.MergeDelta(3, encF(0.1))

	acts, err := e.SelectActivation(5)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, interfaces.Key(1), acts[0].Key)
	assert.Equal(t, interfaces.Key(2), acts[1].Key)

	names, err := store.List("out/_ExeQueueTemp")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	r, err := store.Open(names[0])
	require.NoError(t, err)
	defer r.Close()
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "5\t1\t"))
}

func TestSnapshotMonotonicIDs(t *testing.T) {
	e, store := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())
	e.Update(1, encF(0.8))
	e.Update(2, encF(0.3))

	id1, err := e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)

	id2, err := e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(2), id2)

	// Only the newest snapshot survives on the store.
	ok, err := store.Exists(blob.SnapshotPart("out", 2, 0))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(blob.SnapshotDir("out", 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotOrderedByCState(t *testing.T) {
	e, store := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())
	e.Update(1, encF(0.2))
	e.Update(2, encF(0.9))
	e.Update(3, encF(0.5))

	_, err := e.Snapshot()
	require.NoError(t, err)

	r, err := store.Open(blob.SnapshotPart("out", 1, 0))
	require.NoError(t, err)
	defer r.Close()
	cr := codec.NewReader(codec.NewBlockReader(r), codec.KindStatic, codec.ReaderOpts{})

	var keys []interfaces.Key
	for {
		rec, ok, err := cr.ReadStaticRec()
		require.NoError(t, err)
		if !ok {
			break
		}
		k, err := codec.KeyFromBytes(rec.Key)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []interfaces.Key{2, 3, 1}, keys)
}

func TestCheckDoneRequiresTwoSnapshots(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())
	e.Update(1, encF(0.5))

	assert.False(t, e.CheckDone())
	_, err := e.Snapshot()
	require.NoError(t, err)
	assert.False(t, e.CheckDone(), "one snapshot gives no difference to measure")

	_, err = e.Snapshot()
	require.NoError(t, err)
	assert.True(t, e.CheckDone(), "identical consecutive snapshots converge")
}

func TestCheckDoneDetectsMovement(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())
	e.Update(1, encF(0.5))

	_, err := e.Snapshot()
	require.NoError(t, err)
	e.Update(1, encF(0.5)) // cState moves by 0.5 >= stopDifference
	_, err = e.Snapshot()
	require.NoError(t, err)
	assert.False(t, e.CheckDone())
}

func TestRestoreFromSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())
	e.Update(1, encF(0.8))
	e.MergeDelta(1, encF(0.3))

	id, err := e.Snapshot()
	require.NoError(t, err)

	// Wreck the live state, then roll back.
	e.Update(1, encF(5))
	require.NoError(t, e.RestoreFromSnapshot(id))

	entry, ok := e.Store().Get(1)
	require.True(t, ok)
	assert.InDelta(t, 0.8, decF(entry.CState), 1e-9)
	assert.InDelta(t, 0, decF(entry.IState), 1e-9, "iState returns to unit on rollback")
	assert.Equal(t, id, e.SnapshotID())
}

// recordingUmbilical captures driver notifications.
type recordingUmbilical struct {
	mu        sync.Mutex
	snapshots []SnapshotCompletionEvent
	iterDone  []IterationCompletionEvent
	done      []int32
	rollback  int64
	doRoll    bool
}

func (u *recordingUmbilical) StatusUpdate(int32, string) {}
func (u *recordingUmbilical) Ping(int32)                 {}
func (u *recordingUmbilical) Done(taskID int32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = append(u.done, taskID)
}
func (u *recordingUmbilical) SnapshotCommit(ev SnapshotCompletionEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.snapshots = append(u.snapshots, ev)
}
func (u *recordingUmbilical) AfterIterCommit(ev IterationCompletionEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.iterDone = append(u.iterDone, ev)
}
func (u *recordingUmbilical) RollbackCheck(int32) (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.doRoll {
		u.doRoll = false
		return u.rollback, true
	}
	return 0, false
}

func TestCoordinatorConvergesOnStableState(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	um := &recordingUmbilical{}
	events := make(chan exchange.SinkEvent, 16)

	coord, err := NewCoordinator(CoordinatorConfig{
		JobID:            "job-1",
		ReduceID:         0,
		Engine:           e,
		Events:           events,
		SnapshotInterval: time.Millisecond,
		Umbilical:        um,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()

	// Spill rounds with no state movement: two identical consecutive
	// snapshots converge the task.
	timeout := time.After(5 * time.Second)
	var finalErr error
loop:
	for {
		select {
		case finalErr = <-done:
			break loop
		case <-timeout:
			t.Fatal("coordinator did not terminate")
		case events <- exchange.SinkEvent{Type: exchange.EventSpillIter, Buffer: exchange.BufferStream}:
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.NoError(t, finalErr)

	um.mu.Lock()
	defer um.mu.Unlock()
	require.NotEmpty(t, um.iterDone)
	assert.Equal(t, "job-1", um.iterDone[0].JobID)
	assert.Equal(t, []int32{0}, um.done)
	require.GreaterOrEqual(t, len(um.snapshots), 2)
	assert.Less(t, um.snapshots[0].SnapshotID, um.snapshots[1].SnapshotID)
}

func TestCoordinatorStopMaxTime(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	um := &recordingUmbilical{}
	events := make(chan exchange.SinkEvent)

	coord, err := NewCoordinator(CoordinatorConfig{
		ReduceID:         0,
		Engine:           e,
		Events:           events,
		SnapshotInterval: time.Hour,
		StopMaxTime:      50 * time.Millisecond,
		Umbilical:        um,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err, "wall clock cap is orderly termination")
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator ignored stop.maxtime")
	}
	assert.Equal(t, PhaseTerminating, coord.Phase())
}

func TestCoordinatorContextCancel(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	events := make(chan exchange.SinkEvent)

	coord, err := NewCoordinator(CoordinatorConfig{
		ReduceID: 0,
		Engine:   e,
		Events:   events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("coordinator ignored cancellation")
	}
}

func TestCoordinatorRollback(t *testing.T) {
	e, _ := newTestEngine(t, state.SelectorConfig{Portion: 1})
	require.NoError(t, e.LoadStatic())
	e.Update(1, encF(0.8))
	_, err := e.Snapshot()
	require.NoError(t, err)

	var rolledTo int64
	um := &recordingUmbilical{}
	events := make(chan exchange.SinkEvent, 4)
	coord, err := NewCoordinator(CoordinatorConfig{
		ReduceID:         0,
		Engine:           e,
		Events:           events,
		SnapshotInterval: time.Hour,
		Umbilical:        um,
		RollbackCursors:  func(cp int64) { rolledTo = cp },
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- coord.Run(ctx) }()

	events <- exchange.SinkEvent{Type: exchange.EventRollback, Cursor: 1}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int64(1), rolledTo)
	entry, _ := e.Store().Get(1)
	assert.InDelta(t, 0.8, decF(entry.CState), 1e-9)
}
