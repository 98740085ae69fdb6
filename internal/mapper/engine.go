package mapper

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/liangfan/priter/internal/blob"
	"github.com/liangfan/priter/internal/codec"
	"github.com/liangfan/priter/internal/interfaces"
	"github.com/liangfan/priter/internal/logging"
)

// Config parameterizes a map-side activation engine.
type Config struct {
	// PartitionID is this task's subgraph partition.
	PartitionID int
	// NumPartitions is the job-wide partition count.
	NumPartitions int
	Operator      interfaces.Operator
	Activator     interfaces.Activator
	Partitioner   interfaces.Partitioner
	// Store holds the static subgraph partition and spill output.
	Store blob.Store
	// InDir is the job input directory on the store.
	InDir string
	// InMem keeps emitted batches in memory instead of spilling.
	InMem    bool
	Logger   *logging.Logger
	Observer interfaces.Observer
}

// Engine consumes the activation buffer, applies the user function
// against the loaded subgraph and produces partitioned delta batches.
type Engine struct {
	cfg      Config
	log      *logging.Logger
	subgraph map[interfaces.Key][]byte
	buffer   *InputPKVBuffer
	spillSeq int64
}

// NewEngine creates an engine; LoadSubgraph must run before activation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.NumPartitions <= 0 {
		return nil, errors.New("mapper: NumPartitions must be positive")
	}
	if cfg.Activator == nil || cfg.Partitioner == nil || cfg.Operator == nil {
		return nil, errors.New("mapper: Operator, Activator and Partitioner are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("mapper")
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		subgraph: make(map[interfaces.Key][]byte),
		buffer:   NewInputPKVBuffer(),
	}, nil
}

// Buffer returns the engine's single input channel.
func (e *Engine) Buffer() *InputPKVBuffer { return e.buffer }

// SubgraphSize returns the number of loaded static entries.
func (e *Engine) SubgraphSize() int { return len(e.subgraph) }

// LoadSubgraph reads this task's static partition into memory. The
// format is one "<key>\t<outlinks...>" line per key; the text after
// the first tab is kept verbatim as the key's static data.
func (e *Engine) LoadSubgraph() error {
	name := blob.SubgraphPart(e.cfg.InDir, e.cfg.PartitionID)
	r, err := e.cfg.Store.Open(name)
	if err != nil {
		return errors.Wrapf(err, "open subgraph partition %d", e.cfg.PartitionID)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lines := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		keyText, static, _ := strings.Cut(line, "\t")
		id, err := strconv.ParseInt(keyText, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "subgraph line %d: bad key %q", lines+1, keyText)
		}
		e.subgraph[interfaces.Key(id)] = []byte(static)
		lines++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read subgraph")
	}
	e.log.Debugf("partition %d: loaded %d static entries", e.cfg.PartitionID, lines)
	return nil
}

// Static returns the loaded static data for a key.
func (e *Engine) Static(k interfaces.Key) ([]byte, bool) {
	s, ok := e.subgraph[k]
	return s, ok
}

// RunOnce drains the activation buffer, invokes the user function per
// entry and returns one serialized KV batch per destination partition.
// Every returned batch is a complete record stream with its terminator
// row, ready to ride a STREAM frame.
func (e *Engine) RunOnce() ([][]byte, error) {
	sinks := make([]*partitionSink, e.cfg.NumPartitions)
	for i := range sinks {
		sinks[i] = newPartitionSink()
	}

	emit := func(k interfaces.Key, delta []byte) error {
		p := e.cfg.Partitioner(k, e.cfg.NumPartitions)
		if p < 0 || p >= e.cfg.NumPartitions {
			return errors.Errorf("partitioner returned %d for key %d", p, k)
		}
		return sinks[p].append(k, delta)
	}

	activated := uint64(0)
	for {
		k, iState, ok := e.buffer.Next()
		if !ok {
			break
		}
		static, found := e.subgraph[k]
		if !found {
			// Unknown keys still fan out a zero delta to every
			// partition so global progress accounting stays whole.
			unit := e.cfg.Operator.Unit()
			for p := 0; p < e.cfg.NumPartitions; p++ {
				if err := sinks[p].append(k, unit); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := e.cfg.Activator.Activate(k, iState, static, emit); err != nil {
			return nil, errors.Wrapf(err, "activate key %d", k)
		}
		activated++
	}

	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveActivate(activated)
	}

	out := make([][]byte, e.cfg.NumPartitions)
	for i, sink := range sinks {
		payload, err := sink.finish()
		if err != nil {
			return nil, err
		}
		if !e.cfg.InMem {
			payload, err = e.spill(i, payload)
			if err != nil {
				return nil, err
			}
		}
		out[i] = payload
	}
	return out, nil
}

// spill routes a finished batch through the store and reads it back,
// so memory pressure from large fan-outs lands on disk.
func (e *Engine) spill(partition int, payload []byte) ([]byte, error) {
	e.spillSeq++
	name := fmt.Sprintf("_mapspill/part%d/%d-%d", e.cfg.PartitionID, partition, e.spillSeq)
	w, err := e.cfg.Store.Create(name)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "write spill")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close spill")
	}

	r, err := e.cfg.Store.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errors.Wrap(err, "read spill back")
	}
	return buf.Bytes(), nil
}

// partitionSink accumulates one destination partition's KV records.
type partitionSink struct {
	buf bytes.Buffer
	w   *codec.Writer
}

func newPartitionSink() *partitionSink {
	s := &partitionSink{}
	s.w = codec.NewWriter(&s.buf, codec.KindKV)
	return s
}

func (s *partitionSink) append(k interfaces.Key, delta []byte) error {
	return s.w.AppendKV(codec.KV{Key: codec.KeyBytes(k), Value: delta})
}

func (s *partitionSink) finish() ([]byte, error) {
	if err := s.w.Close(); err != nil {
		return nil, err
	}
	return s.buf.Bytes(), nil
}
