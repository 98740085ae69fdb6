package mapper

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liangfan/priter/internal/blob"
	"github.com/liangfan/priter/internal/codec"
	"github.com/liangfan/priter/internal/exchange"
	"github.com/liangfan/priter/internal/interfaces"
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

// fanOutActivator spreads the activated value evenly over the key's
// outlinks, the PageRank shape.
type fanOutActivator struct{}

func (fanOutActivator) Activate(k interfaces.Key, iState, static []byte, emit interfaces.EmitFunc) error {
	links := strings.Fields(string(static))
	if len(links) == 0 {
		return nil
	}
	share := decF(iState) / float64(len(links))
	for _, l := range links {
		id, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return err
		}
		if err := emit(interfaces.Key(id), encF(share)); err != nil {
			return err
		}
	}
	return nil
}

func modPartitioner(k interfaces.Key, n int) int {
	return int(uint64(k) % uint64(n))
}

func pkvPayload(t *testing.T, entries map[interfaces.Key]float64) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := codec.NewWriter(&buf, codec.KindPKV)
	for k, v := range entries {
		require.NoError(t, w.AppendPKV(codec.PKV{
			Priority: encF(v),
			Key:      codec.KeyBytes(k),
			Value:    encF(v),
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func decodeBatch(t *testing.T, payload []byte) map[interfaces.Key]float64 {
	t.Helper()
	out := map[interfaces.Key]float64{}
	r := codec.NewReader(bytes.NewReader(payload), codec.KindKV, codec.ReaderOpts{})
	for {
		rec, ok, err := r.ReadKV()
		require.NoError(t, err)
		if !ok {
			return out
		}
		k, err := codec.KeyFromBytes(rec.Key)
		require.NoError(t, err)
		out[k] += decF(rec.Value)
	}
}

func writeSubgraph(t *testing.T, store *blob.Local, partID int, lines []string) {
	t.Helper()
	w, err := store.Create(blob.SubgraphPart("in", partID))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Join(lines, "\n")))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func newEngine(t *testing.T, store *blob.Local, inMem bool) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		PartitionID:   0,
		NumPartitions: 2,
		Operator:      sumOp{},
		Activator:     fanOutActivator{},
		Partitioner:   modPartitioner,
		Store:         store,
		InDir:         "in",
		InMem:         inMem,
	})
	require.NoError(t, err)
	return e
}

func TestBufferInitAndNext(t *testing.T) {
	b := NewInputPKVBuffer()
	b.Init(1, encF(0.2))
	b.Init(2, encF(0.3))
	assert.Equal(t, 2, b.Len())

	k, v, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, interfaces.Key(1), k)
	assert.InDelta(t, 0.2, decF(v), 1e-9)

	_, _, ok = b.Next()
	require.True(t, ok)
	_, _, ok = b.Next()
	assert.False(t, ok, "empty buffer ends the map iteration")
}

func TestBufferReadAdvancesIteration(t *testing.T) {
	b := NewInputPKVBuffer()
	payload := pkvPayload(t, map[interfaces.Key]float64{5: 1.5})

	hdr := &exchange.PKVBufferHeader{Owner: 0, Iteration: 2, Bytes: uint64(len(payload))}
	require.NoError(t, b.Read(hdr, payload))
	assert.Equal(t, int64(2), b.Iteration())
	assert.Equal(t, 1, b.Len())

	// A same-iteration batch from another reducer still lands.
	peer := &exchange.PKVBufferHeader{Owner: 1, Iteration: 2, Bytes: uint64(len(payload))}
	require.NoError(t, b.Read(peer, payload))
	assert.Equal(t, 2, b.Len())

	// A batch behind the buffer's iteration is dropped.
	stale := &exchange.PKVBufferHeader{Owner: 0, Iteration: 1, Bytes: uint64(len(payload))}
	require.NoError(t, b.Read(stale, payload))
	assert.Equal(t, 2, b.Len())

	// A batch from a later iteration advances the counter.
	ahead := &exchange.PKVBufferHeader{Owner: 0, Iteration: 5, Bytes: uint64(len(payload))}
	require.NoError(t, b.Read(ahead, payload))
	assert.Equal(t, int64(5), b.Iteration())
	assert.Equal(t, 3, b.Len())
}

func TestBufferWake(t *testing.T) {
	b := NewInputPKVBuffer()
	select {
	case <-b.Wake():
		t.Fatal("no wake expected before input")
	default:
	}

	b.Init(1, encF(1))
	select {
	case <-b.Wake():
	default:
		t.Fatal("Init must wake waiters")
	}
}

func TestBufferFree(t *testing.T) {
	b := NewInputPKVBuffer()
	b.Init(1, encF(1))
	b.Free()
	assert.Zero(t, b.Len())
}

func TestLoadSubgraph(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	writeSubgraph(t, store, 0, []string{"1\t2 3", "2\t1", "3\t2"})

	e := newEngine(t, store, true)
	require.NoError(t, e.LoadSubgraph())
	assert.Equal(t, 3, e.SubgraphSize())

	static, ok := e.Static(1)
	require.True(t, ok)
	assert.Equal(t, "2 3", string(static))
}

func TestRunOncePartitionsDeltas(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	writeSubgraph(t, store, 0, []string{"1\t2 3", "2\t1"})

	e := newEngine(t, store, true)
	require.NoError(t, e.LoadSubgraph())

	e.Buffer().Init(1, encF(1.0))
	e.Buffer().Init(2, encF(0.5))

	batches, err := e.RunOnce()
	require.NoError(t, err)
	require.Len(t, batches, 2)

	// Key 1 fans 0.5 to keys 2 and 3; key 2 sends 0.5 to key 1.
	part0 := decodeBatch(t, batches[0]) // even keys
	part1 := decodeBatch(t, batches[1]) // odd keys
	assert.InDelta(t, 0.5, part0[2], 1e-9)
	assert.InDelta(t, 0.5, part1[3], 1e-9)
	assert.InDelta(t, 0.5, part1[1], 1e-9)
}

func TestRunOnceUnknownKeyZeroFanOut(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	writeSubgraph(t, store, 0, []string{"1\t2"})

	e := newEngine(t, store, true)
	require.NoError(t, e.LoadSubgraph())

	e.Buffer().Init(99, encF(0.7))
	batches, err := e.RunOnce()
	require.NoError(t, err)

	// The unknown key reaches every partition with a zero delta.
	for i, batch := range batches {
		decoded := decodeBatch(t, batch)
		v, present := decoded[99]
		assert.True(t, present, "partition %d", i)
		assert.Zero(t, v)
	}
}

func TestRunOnceSpillPath(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	writeSubgraph(t, store, 0, []string{"1\t2"})

	e := newEngine(t, store, false)
	require.NoError(t, e.LoadSubgraph())

	e.Buffer().Init(1, encF(1))
	batches, err := e.RunOnce()
	require.NoError(t, err)

	decoded := decodeBatch(t, batches[0])
	assert.InDelta(t, 1.0, decoded[2], 1e-9)

	// Spill files land on the store.
	names, err := store.List("_mapspill")
	require.NoError(t, err)
	assert.NotEmpty(t, names)
}

func TestRunOnceEmptyBuffer(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	writeSubgraph(t, store, 0, []string{"1\t2"})

	e := newEngine(t, store, true)
	require.NoError(t, e.LoadSubgraph())

	batches, err := e.RunOnce()
	require.NoError(t, err)
	for _, batch := range batches {
		assert.Empty(t, decodeBatch(t, batch))
	}
}
