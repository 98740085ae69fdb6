// Package blob abstracts the byte-addressable store the framework
// persists snapshots, spills and static partitions to. The production
// deployment points this at a distributed filesystem; the local
// implementation backs tests and single-process drivers.
package blob

import (
	"fmt"
	"io"
)

// Store is an opaque named-blob store with the handful of operations
// the iteration engine needs.
type Store interface {
	// Create opens a blob for writing, truncating any existing content.
	Create(name string) (io.WriteCloser, error)
	// Append opens a blob for appending, creating it if absent.
	Append(name string) (io.WriteCloser, error)
	// Open opens a blob for reading.
	Open(name string) (io.ReadCloser, error)
	// List returns the blob names under a prefix.
	List(prefix string) ([]string, error)
	// Rename atomically moves a blob; used as the snapshot commit step.
	Rename(oldName, newName string) error
	// Delete removes a blob or prefix subtree.
	Delete(name string) error
	// Exists reports whether a blob is present.
	Exists(name string) (bool, error)
}

// Persisted layout relative to a job's in/out directories.

// SnapshotDir names the directory for one snapshot id.
func SnapshotDir(outDir string, snapshotID int64) string {
	return fmt.Sprintf("%s/snapshot-%d", outDir, snapshotID)
}

// SnapshotPart names one reducer's part within a snapshot.
func SnapshotPart(outDir string, snapshotID int64, reduceID int32) string {
	return fmt.Sprintf("%s/part-%d", SnapshotDir(outDir, snapshotID), reduceID)
}

// ExeQueuePath names a reducer's activation audit log.
func ExeQueuePath(outDir string, reduceID int32) string {
	return fmt.Sprintf("%s/_ExeQueueTemp/%d-exequeue", outDir, reduceID)
}

// SubgraphPart names one map task's static partition.
func SubgraphPart(inDir string, partID int) string {
	return fmt.Sprintf("%s/subgraph/part%d", inDir, partID)
}
