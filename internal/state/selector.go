package state

import (
	"container/heap"
	"sort"

	"github.com/liangfan/priter/internal/interfaces"
)

// Activation is one entry of a materialized activation set.
type Activation struct {
	Key      interfaces.Key
	Priority []byte // the drained iState
}

// SelectorConfig picks exactly one of the two selection policies.
type SelectorConfig struct {
	// Portion selects Portion * |keys| entries when > 0.
	Portion float64
	// QueueLen selects a fixed number of entries when Portion is 0.
	QueueLen int
	// TotalKeys, when > 0, caps the key count used for portion sizing:
	// the smaller of TotalKeys and the observed key count is used.
	TotalKeys int
}

// Selector draws the top entries of a store by iState priority.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector creates a selector with the given policy.
func NewSelector(cfg SelectorConfig) *Selector {
	return &Selector{cfg: cfg}
}

// limit computes the activation set bound for a store of n keys.
func (s *Selector) limit(n int) int {
	if s.cfg.Portion > 0 {
		base := n
		if s.cfg.TotalKeys > 0 && s.cfg.TotalKeys < base {
			base = s.cfg.TotalKeys
		}
		l := int(s.cfg.Portion * float64(base))
		if l < 1 && n > 0 {
			l = 1
		}
		return l
	}
	if s.cfg.QueueLen > 0 {
		return s.cfg.QueueLen
	}
	return n
}

// Select materializes the activation set: the top entries ordered by
// iState descending, ties broken by ascending key. Each selected key's
// iState is atomically reset to the unit element; the drained value
// rides along as the activation priority.
func (s *Selector) Select(store *Store) []Activation {
	op := store.Operator()
	limit := s.limit(store.Len())
	if limit <= 0 {
		return nil
	}

	// Bounded min-heap over a consistent read of the store: O(n log k).
	h := &activationHeap{op: op}
	heap.Init(h)
	store.Range(func(k interfaces.Key, e Entry) bool {
		a := Activation{Key: k, Priority: e.IState}
		if h.Len() < limit {
			heap.Push(h, a)
			return true
		}
		if h.less(a, h.items[0]) {
			return true
		}
		h.items[0] = a
		heap.Fix(h, 0)
		return true
	})

	selected := h.items
	sort.Slice(selected, func(i, j int) bool {
		if c := op.Compare(selected[i].Priority, selected[j].Priority); c != 0 {
			return c > 0
		}
		return selected[i].Key < selected[j].Key
	})

	// Reset after materialization; the store may have absorbed newer
	// deltas since the range snapshot, so drain the live value.
	for i := range selected {
		selected[i].Priority = store.resetIState(selected[i].Key)
	}
	return selected
}

// activationHeap is a min-heap on (priority, key) so the root is the
// weakest member of the current top set.
type activationHeap struct {
	op    interfaces.Operator
	items []Activation
}

// less orders a before b in the heap: lower priority first, higher key
// first among ties (so the tie-break winner, the lower key, survives).
func (h *activationHeap) less(a, b Activation) bool {
	if c := h.op.Compare(a.Priority, b.Priority); c != 0 {
		return c < 0
	}
	return a.Key > b.Key
}

func (h *activationHeap) Len() int           { return len(h.items) }
func (h *activationHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *activationHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *activationHeap) Push(x interface{}) { h.items = append(h.items, x.(Activation)) }
func (h *activationHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
