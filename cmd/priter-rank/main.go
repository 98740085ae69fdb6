// Command priter-rank runs a single-process PageRank job over an
// edge-list file and prints the top-ranked keys.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	priter "github.com/liangfan/priter"
	"github.com/liangfan/priter/internal/blob"
	"github.com/liangfan/priter/internal/logging"
)

func main() {
	var (
		graphPath  = pflag.String("graph", "", "Path to the graph file, one '<key>\\t<outlinks...>' line per key")
		partitions = pflag.Int("partitions", 1, "Partition count for both sides")
		damping    = pflag.Float64("damping", 0.8, "Damping factor applied to forwarded rank mass")
		seed       = pflag.Float64("seed", 0.2, "Initial incremental rank per key")
		portion    = pflag.Float64("portion", 1, "Activated fraction of keys per round")
		topk       = pflag.Int("topk", 10, "Rows to print and snapshot")
		stopDiff   = pflag.Float64("stop-difference", 0.01, "Convergence threshold between snapshots")
		maxTimeMs  = pflag.Int("stop-maxtime", 60000, "Hard wall-clock cap in milliseconds")
		workDir    = pflag.String("workdir", "", "Blob store root (defaults to a temp dir)")
		verbose    = pflag.BoolP("verbose", "v", false, "Verbose output")
	)
	pflag.Parse()

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "priter-rank: --graph is required")
		pflag.Usage()
		os.Exit(2)
	}
	if *verbose {
		logging.SetDefault(logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: os.Stderr}))
	}
	log := logging.Default()

	dir := *workDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "priter-rank-*")
		if err != nil {
			log.Errorf("create workdir: %v", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	store, err := blob.NewLocal(dir)
	if err != nil {
		log.Errorf("open blob store: %v", err)
		os.Exit(1)
	}

	keys, err := partitionGraph(*graphPath, store, *partitions)
	if err != nil {
		log.Errorf("partition graph: %v", err)
		os.Exit(1)
	}
	log.Infof("partitioned %d keys into %d parts", len(keys), *partitions)

	cfg := priter.Config{}.
		SetBool(priter.KeyJob, true).
		SetInt(priter.KeyGraphPartitions, *partitions).
		SetInt(priter.KeyGraphNodes, len(keys)).
		SetFloat(priter.KeyQueuePortion, *portion).
		SetInt(priter.KeySnapshotTopK, *topk).
		SetFloat(priter.KeyStopDifference, *stopDiff).
		SetInt(priter.KeySnapshotInterval, 10).
		SetInt(priter.KeyStopMaxTime, *maxTimeMs)

	job, err := priter.NewJob(cfg, priter.Callbacks{
		Operator:    priter.SumOperator{},
		Activator:   priter.RankActivator{Damping: *damping},
		Partitioner: priter.HashPartitioner,
	}, store, "in", "out", nil)
	if err != nil {
		log.Errorf("build job: %v", err)
		os.Exit(1)
	}

	for _, k := range keys {
		job.Seed(k, priter.Float64Bytes(*seed))
	}

	handle, err := job.Submit()
	if err != nil {
		log.Errorf("submit job: %v", err)
		os.Exit(1)
	}

	// Ctrl-C stops the job but still prints the approximate ranks.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Warnf("interrupted, stopping job")
		handle.Stop()
	}()

	if err := handle.Wait(); err != nil {
		log.Errorf("job failed: %v", err)
		os.Exit(1)
	}

	printTop(job, *topk)

	m := job.Metrics().Snapshot()
	log.Infof("iterations=%d snapshots=%d merged=%d sent=%dB received=%dB",
		m.Iterations, m.Snapshots, m.MergedRecords, m.SentBytes, m.ReceivedBytes)
}

// partitionGraph splits the input file into per-partition subgraph
// blobs and returns every key seen.
func partitionGraph(path string, store *blob.Local, partitions int) ([]priter.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	writers := make([]*bufio.Writer, partitions)
	closers := make([]func() error, partitions)
	for p := 0; p < partitions; p++ {
		w, err := store.Create(blob.SubgraphPart("in", p))
		if err != nil {
			return nil, err
		}
		writers[p] = bufio.NewWriter(w)
		closers[p] = w.Close
	}

	var keys []priter.Key
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyText, _, _ := strings.Cut(line, "\t")
		id, err := strconv.ParseInt(keyText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad key %q in %s: %v", keyText, filepath.Base(path), err)
		}
		k := priter.Key(id)
		keys = append(keys, k)
		p := priter.HashPartitioner(k, partitions)
		if _, err := writers[p].WriteString(line + "\n"); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for p := 0; p < partitions; p++ {
		if err := writers[p].Flush(); err != nil {
			return nil, err
		}
		if err := closers[p](); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func printTop(job *priter.Job, topk int) {
	type ranked struct {
		key  priter.Key
		rank float64
	}
	var rows []ranked
	for k, v := range job.Ranks() {
		rows = append(rows, ranked{key: k, rank: priter.Float64FromBytes(v)})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rank != rows[j].rank {
			return rows[i].rank > rows[j].rank
		}
		return rows[i].key < rows[j].key
	})
	if len(rows) > topk {
		rows = rows[:topk]
	}

	fmt.Printf("%-12s %s\n", "KEY", "RANK")
	for _, r := range rows {
		fmt.Printf("%-12d %.6f\n", r.key, r.rank)
	}
}
