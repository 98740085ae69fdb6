package priter

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Test doubles for applications building on the framework: a float64
// sum algebra, a rank-style fan-out activator and a recording
// umbilical.

// Float64Bytes encodes a float64 state value.
func Float64Bytes(v float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}

// Float64FromBytes decodes a value written by Float64Bytes; zero-length
// input decodes as 0.
func Float64FromBytes(b []byte) float64 {
	if len(b) < 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// SumOperator is a float64 sum algebra: combine adds, update folds the
// drained value into the cumulative sum and re-emits it.
type SumOperator struct{}

func (SumOperator) Combine(a, b []byte) []byte {
	return Float64Bytes(Float64FromBytes(a) + Float64FromBytes(b))
}

func (SumOperator) Compare(a, b []byte) int {
	fa, fb := Float64FromBytes(a), Float64FromBytes(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func (SumOperator) Unit() []byte { return Float64Bytes(0) }

func (SumOperator) Update(iState, cState []byte) ([]byte, []byte) {
	return Float64Bytes(Float64FromBytes(cState) + Float64FromBytes(iState)), iState
}

func (SumOperator) Diff(a, b []byte) float64 {
	return math.Abs(Float64FromBytes(a) - Float64FromBytes(b))
}

// MinOperator is a min-label algebra for component-style jobs: combine
// keeps the smaller label and lower labels carry higher priority.
type MinOperator struct{}

// minUnit is the identity of min over labels.
var minUnit = Float64Bytes(math.Inf(1))

func (MinOperator) Combine(a, b []byte) []byte {
	if Float64FromBytes(b) < Float64FromBytes(a) {
		return b
	}
	return a
}

func (MinOperator) Compare(a, b []byte) int {
	fa, fb := Float64FromBytes(a), Float64FromBytes(b)
	switch {
	case fa < fb:
		return 1
	case fa > fb:
		return -1
	default:
		return 0
	}
}

func (MinOperator) Unit() []byte { return minUnit }

func (MinOperator) Update(iState, cState []byte) ([]byte, []byte) {
	if Float64FromBytes(iState) < Float64FromBytes(cState) {
		// An improved label is both the new cumulative value and the
		// delta worth propagating.
		return iState, iState
	}
	// No improvement: propagate nothing so saturated keys stop
	// crowding the activation queue.
	return cState, minUnit
}

func (MinOperator) Diff(a, b []byte) float64 {
	fa, fb := Float64FromBytes(a), Float64FromBytes(b)
	// A still-unlabeled key counts as movement, else a snapshot pair
	// taken before the label arrives would read as converged.
	if math.IsInf(fa, 1) || math.IsInf(fb, 1) {
		return math.Inf(1)
	}
	return math.Abs(fa - fb)
}

// RankActivator spreads damping * iState evenly over the key's
// outlinks, the PageRank shape. Static data is a space-separated
// outlink list.
type RankActivator struct {
	Damping float64
}

func (a RankActivator) Activate(k Key, iState, static []byte, emit EmitFunc) error {
	links := strings.Fields(string(static))
	if len(links) == 0 {
		return nil
	}
	share := a.Damping * Float64FromBytes(iState) / float64(len(links))
	for _, l := range links {
		id, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return err
		}
		if err := emit(Key(id), Float64Bytes(share)); err != nil {
			return err
		}
	}
	return nil
}

// LabelActivator forwards the incoming label to the key itself and to
// every neighbor, the connected-components shape.
type LabelActivator struct{}

func (LabelActivator) Activate(k Key, iState, static []byte, emit EmitFunc) error {
	label := Float64FromBytes(iState)
	if math.IsInf(label, 1) {
		return nil
	}
	if err := emit(k, iState); err != nil {
		return err
	}
	for _, l := range strings.Fields(string(static)) {
		id, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return err
		}
		if err := emit(Key(id), iState); err != nil {
			return err
		}
	}
	return nil
}

// MockUmbilical records every driver notification for verification.
type MockUmbilical struct {
	mu          sync.Mutex
	Statuses    map[int32][]string
	Pings       map[int32]int
	DoneTasks   []int32
	Snapshots   []SnapshotCompletionEvent
	Completions []IterationCompletionEvent

	// RollbackTo, when set via OrderRollback, is handed out once.
	rollbackTo  int64
	rollbackSet bool
}

// NewMockUmbilical creates an empty recording umbilical.
func NewMockUmbilical() *MockUmbilical {
	return &MockUmbilical{
		Statuses: make(map[int32][]string),
		Pings:    make(map[int32]int),
	}
}

func (u *MockUmbilical) StatusUpdate(taskID int32, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Statuses[taskID] = append(u.Statuses[taskID], message)
}

func (u *MockUmbilical) Ping(taskID int32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Pings[taskID]++
}

func (u *MockUmbilical) Done(taskID int32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.DoneTasks = append(u.DoneTasks, taskID)
}

func (u *MockUmbilical) SnapshotCommit(ev SnapshotCompletionEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Snapshots = append(u.Snapshots, ev)
}

func (u *MockUmbilical) AfterIterCommit(ev IterationCompletionEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Completions = append(u.Completions, ev)
}

// OrderRollback arms a one-shot rollback to the given checkpoint.
func (u *MockUmbilical) OrderRollback(checkpoint int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollbackTo = checkpoint
	u.rollbackSet = true
}

func (u *MockUmbilical) RollbackCheck(int32) (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rollbackSet {
		u.rollbackSet = false
		return u.rollbackTo, true
	}
	return 0, false
}

// DoneCount returns how many tasks reported done.
func (u *MockUmbilical) DoneCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.DoneTasks)
}

// CompletionCount returns how many final-iteration events arrived.
func (u *MockUmbilical) CompletionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.Completions)
}
