package priter

import "time"

// Framework-wide defaults, overridable through the configuration keys
// in config.go.
const (
	// DefaultMaxConnections bounds concurrent transport handlers.
	DefaultMaxConnections = 20000

	// DefaultReaderWindow is the record reader window in bytes.
	DefaultReaderWindow = 128 * 1024

	// DefaultSnapshotInterval is the cadence between snapshots.
	DefaultSnapshotInterval = time.Second

	// DefaultSnapshotTopK is the snapshot row count.
	DefaultSnapshotTopK = 1000

	// DefaultAsyncTimeThreshold is the idle window before the
	// time-triggered regime fires the reducer.
	DefaultAsyncTimeThreshold = 100 * time.Millisecond

	// DefaultRetryBudget bounds source retransmission attempts.
	DefaultRetryBudget = 4
)
