// Package mapper implements the map side of the iteration loop: the
// activation buffer fed by PKVBUF batches, the static subgraph loader
// and the partitioned delta emitter.
package mapper

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"

	"github.com/liangfan/priter/internal/codec"
	"github.com/liangfan/priter/internal/exchange"
	"github.com/liangfan/priter/internal/interfaces"
)

// pair is one buffered (key, iState) activation entry.
type pair struct {
	key    interfaces.Key
	iState []byte
}

// InputPKVBuffer is the single input channel of a map task: a FIFO of
// (key, iState) pairs tagged with a monotonic iteration counter.
type InputPKVBuffer struct {
	mu        sync.Mutex
	wake      chan struct{}
	queue     []pair
	iteration int64
}

// NewInputPKVBuffer creates an empty buffer at iteration 0.
func NewInputPKVBuffer() *InputPKVBuffer {
	return &InputPKVBuffer{wake: make(chan struct{}, 1)}
}

// Iteration returns the buffer's current iteration counter.
func (b *InputPKVBuffer) Iteration() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iteration
}

// Init seeds the buffer during setup, before any batch arrives.
func (b *InputPKVBuffer) Init(k interfaces.Key, iState []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, pair{key: k, iState: append([]byte{}, iState...)})
	b.signalLocked()
}

// Read accepts one PKVBUF batch: the payload is a PKV record stream.
// The batch is taken iff its iteration has not fallen behind the
// buffer; the buffer then advances to it and any waiter wakes.
// Same-iteration batches from different reducers all land; per-source
// duplicates never get here, the transport cursor drops them.
func (b *InputPKVBuffer) Read(hdr *exchange.PKVBufferHeader, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hdr.Iteration < b.iteration {
		return nil
	}

	r := codec.NewReader(bytes.NewReader(payload), codec.KindPKV, codec.ReaderOpts{})
	for {
		rec, ok, err := r.ReadPKV()
		if err != nil {
			return errors.Wrap(err, "decode pkv batch")
		}
		if !ok {
			break
		}
		k, err := codec.KeyFromBytes(rec.Key)
		if err != nil {
			return err
		}
		b.queue = append(b.queue, pair{key: k, iState: append([]byte{}, rec.Value...)})
	}

	b.iteration = hdr.Iteration
	b.signalLocked()
	return nil
}

// Next pops one entry; ok is false when the buffer is empty, which
// signals the end of the current map iteration.
func (b *InputPKVBuffer) Next() (interfaces.Key, []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return 0, nil, false
	}
	p := b.queue[0]
	b.queue = b.queue[1:]
	return p.key, p.iState, true
}

// Wake returns a channel that receives after new entries arrive.
func (b *InputPKVBuffer) Wake() <-chan struct{} { return b.wake }

// Free clears the buffer without closing it.
func (b *InputPKVBuffer) Free() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
}

// Len returns the number of buffered entries.
func (b *InputPKVBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *InputPKVBuffer) signalLocked() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
