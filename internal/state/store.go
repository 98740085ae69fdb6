// Package state holds the reduce side's per-key triple store and the
// priority selector that draws activation sets from it.
package state

import (
	"sync"

	"github.com/liangfan/priter/internal/interfaces"
)

// shardCount spreads keys over independently locked shards so delta
// merging scales with cores.
const shardCount = 32

// Entry is the per-key triple. IState is the pending incremental value
// drained at activation; CState is the converging cumulative value;
// Static is immutable per-key context.
type Entry struct {
	IState []byte
	CState []byte
	Static []byte
}

type shard struct {
	mu      sync.RWMutex
	entries map[interfaces.Key]*Entry
}

// Store maps keys to their state triple. Entries are created on first
// observation, mutated by merges and updates, and destroyed only at
// task shutdown.
type Store struct {
	op     interfaces.Operator
	shards [shardCount]shard

	pendingMu sync.Mutex
	pending   []pendingDelta
}

type pendingDelta struct {
	key   interfaces.Key
	delta []byte
}

// NewStore creates an empty store over the user operator.
func NewStore(op interfaces.Operator) *Store {
	s := &Store{op: op}
	for i := range s.shards {
		s.shards[i].entries = make(map[interfaces.Key]*Entry)
	}
	return s
}

func (s *Store) shardFor(k interfaces.Key) *shard {
	return &s.shards[uint64(k)%shardCount]
}

// MergeDelta folds an incoming delta into iState(key) with the user
// combine, creating the entry when absent.
func (s *Store) MergeDelta(k interfaces.Key, delta []byte) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		e = &Entry{IState: s.op.Unit(), CState: s.op.Unit()}
		sh.entries[k] = e
	}
	e.IState = s.op.Combine(e.IState, delta)
}

// MergeDeltaPending buffers a delta whose key's static data has not been
// loaded yet; it is re-merged by FlushPending after the next static
// refresh.
func (s *Store) MergeDeltaPending(k interfaces.Key, delta []byte) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(s.pending, pendingDelta{key: k, delta: append([]byte{}, delta...)})
}

// FlushPending re-merges every buffered delta whose key now has static
// data; the rest stay buffered.
func (s *Store) FlushPending() int {
	s.pendingMu.Lock()
	queued := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	merged := 0
	var still []pendingDelta
	for _, p := range queued {
		if _, ok := s.Static(p.key); ok {
			s.MergeDelta(p.key, p.delta)
			merged++
		} else {
			still = append(still, p)
		}
	}

	if len(still) > 0 {
		s.pendingMu.Lock()
		s.pending = append(s.pending, still...)
		s.pendingMu.Unlock()
	}
	return merged
}

// SetStatic installs the immutable per-key context.
func (s *Store) SetStatic(k interfaces.Key, static []byte) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		e = &Entry{IState: s.op.Unit(), CState: s.op.Unit()}
		sh.entries[k] = e
	}
	e.Static = static
}

// Static returns the per-key static data.
func (s *Store) Static(k interfaces.Key) ([]byte, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[k]
	if !ok || e.Static == nil {
		return nil, false
	}
	return e.Static, true
}

// Get returns a copy of the entry for k.
func (s *Store) Get(k interfaces.Key) (Entry, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[k]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// SetCState replaces the cumulative value for k.
func (s *Store) SetCState(k interfaces.Key, cState []byte) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		e = &Entry{IState: s.op.Unit(), Static: nil}
		sh.entries[k] = e
	}
	e.CState = cState
}

// Restore overwrites the dual state for k, used by checkpoint rollback.
func (s *Store) Restore(k interfaces.Key, iState, cState []byte) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		e = &Entry{}
		sh.entries[k] = e
	}
	e.IState = iState
	e.CState = cState
}

// Len returns the number of keys observed so far.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		n += len(s.shards[i].entries)
		s.shards[i].mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. The entry is a
// copy; mutation goes through the store's setters.
func (s *Store) Range(fn func(k interfaces.Key, e Entry) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.entries {
			if !fn(k, *e) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// resetIState swaps iState(k) back to the unit element, returning the
// drained value. Used by the selector after materializing an
// activation set.
func (s *Store) resetIState(k interfaces.Key) []byte {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		return s.op.Unit()
	}
	drained := e.IState
	e.IState = s.op.Unit()
	return drained
}

// Operator exposes the user algebra bound at construction.
func (s *Store) Operator() interfaces.Operator { return s.op }
