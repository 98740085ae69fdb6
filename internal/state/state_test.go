package state

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liangfan/priter/internal/interfaces"
)

// sumOp is a float64 sum algebra, the shape most iterative jobs use.
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

func TestMergeDeltaCreatesEntry(t *testing.T) {
	s := NewStore(sumOp{})
	s.MergeDelta(1, encF(0.5))

	e, ok := s.Get(1)
	require.True(t, ok)
	assert.InDelta(t, 0.5, decF(e.IState), 1e-9)
	assert.InDelta(t, 0, decF(e.CState), 1e-9)
	assert.Nil(t, e.Static)
}

func TestMergeDeltaAccumulates(t *testing.T) {
	s := NewStore(sumOp{})
	s.MergeDelta(1, encF(0.25))
	s.MergeDelta(1, encF(0.5))

	e, _ := s.Get(1)
	assert.InDelta(t, 0.75, decF(e.IState), 1e-9)
}

func TestMergeDeltaConcurrent(t *testing.T) {
	s := NewStore(sumOp{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.MergeDelta(interfaces.Key(i%64), encF(1))
			}
		}()
	}
	wg.Wait()

	total := 0.0
	s.Range(func(k interfaces.Key, e Entry) bool {
		total += decF(e.IState)
		return true
	})
	assert.InDelta(t, 8000, total, 1e-6)
	assert.Equal(t, 64, s.Len())
}

func TestPendingDeltasReMergedAfterStaticRefresh(t *testing.T) {
	s := NewStore(sumOp{})
	s.MergeDeltaPending(9, encF(0.4))

	// Nothing merged while the static data is still missing.
	assert.Zero(t, s.FlushPending())
	_, ok := s.Get(9)
	assert.False(t, ok)

	s.SetStatic(9, []byte("ctx"))
	assert.Equal(t, 1, s.FlushPending())

	e, ok := s.Get(9)
	require.True(t, ok)
	assert.InDelta(t, 0.4, decF(e.IState), 1e-9)
}

func TestSelectorPortion(t *testing.T) {
	s := NewStore(sumOp{})
	for k := interfaces.Key(0); k < 10; k++ {
		s.MergeDelta(k, encF(float64(k)))
	}

	sel := NewSelector(SelectorConfig{Portion: 0.3})
	got := sel.Select(s)
	require.Len(t, got, 3)
	// Top priorities descending: keys 9, 8, 7.
	assert.Equal(t, interfaces.Key(9), got[0].Key)
	assert.Equal(t, interfaces.Key(8), got[1].Key)
	assert.Equal(t, interfaces.Key(7), got[2].Key)
}

func TestSelectorFixedLength(t *testing.T) {
	s := NewStore(sumOp{})
	for k := interfaces.Key(0); k < 5; k++ {
		s.MergeDelta(k, encF(float64(10 - k)))
	}

	sel := NewSelector(SelectorConfig{QueueLen: 2})
	got := sel.Select(s)
	require.Len(t, got, 2)
	assert.Equal(t, interfaces.Key(0), got[0].Key)
	assert.Equal(t, interfaces.Key(1), got[1].Key)
}

func TestSelectorTiesBrokenByAscendingKey(t *testing.T) {
	s := NewStore(sumOp{})
	for _, k := range []interfaces.Key{5, 2, 8, 1} {
		s.MergeDelta(k, encF(1.0))
	}

	sel := NewSelector(SelectorConfig{QueueLen: 2})
	got := sel.Select(s)
	require.Len(t, got, 2)
	assert.Equal(t, interfaces.Key(1), got[0].Key)
	assert.Equal(t, interfaces.Key(2), got[1].Key)
}

func TestSelectorResetsIState(t *testing.T) {
	s := NewStore(sumOp{})
	s.MergeDelta(1, encF(3))
	s.MergeDelta(2, encF(1))

	sel := NewSelector(SelectorConfig{QueueLen: 1})
	got := sel.Select(s)
	require.Len(t, got, 1)
	require.Equal(t, interfaces.Key(1), got[0].Key)
	assert.InDelta(t, 3, decF(got[0].Priority), 1e-9, "drained value rides along")

	e, _ := s.Get(1)
	assert.InDelta(t, 0, decF(e.IState), 1e-9, "selected key must be reset to unit")
	e2, _ := s.Get(2)
	assert.InDelta(t, 1, decF(e2.IState), 1e-9, "unselected key keeps its iState")

	// A delta arriving after the reset accumulates into a fresh iState.
	s.MergeDelta(1, encF(0.5))
	e, _ = s.Get(1)
	assert.InDelta(t, 0.5, decF(e.IState), 1e-9)
}

func TestSelectorQueueLongerThanStore(t *testing.T) {
	s := NewStore(sumOp{})
	s.MergeDelta(1, encF(1))

	sel := NewSelector(SelectorConfig{QueueLen: 100})
	got := sel.Select(s)
	assert.Len(t, got, 1)
}

func TestSelectorEmptyStore(t *testing.T) {
	s := NewStore(sumOp{})
	sel := NewSelector(SelectorConfig{Portion: 1})
	assert.Empty(t, sel.Select(s))
}

func TestRestore(t *testing.T) {
	s := NewStore(sumOp{})
	s.MergeDelta(4, encF(2))
	s.Restore(4, encF(0), encF(7))

	e, _ := s.Get(4)
	assert.InDelta(t, 0, decF(e.IState), 1e-9)
	assert.InDelta(t, 7, decF(e.CState), 1e-9)
}
