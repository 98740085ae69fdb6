package priter

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Recognized configuration keys.
const (
	// KeyJob enables priority iteration for the job.
	KeyJob = "priter.job"
	// KeyGraphPartitions is the partition count for both sides.
	KeyGraphPartitions = "priter.graph.partitions"
	// KeyGraphNodes is the global key count, used to size
	// portion-based selection.
	KeyGraphNodes = "priter.graph.nodes"
	// KeySnapshotInterval is the milliseconds between snapshots.
	KeySnapshotInterval = "priter.snapshot.interval"
	// KeySnapshotTopK is the snapshot row count.
	KeySnapshotTopK = "priter.snapshot.topk"
	// KeyQueuePortion selects the portion regime when > 0.
	KeyQueuePortion = "priter.queue.portion"
	// KeyQueueUniqLength is the fixed activation queue length, used
	// when the portion is absent.
	KeyQueueUniqLength = "priter.queue.uniqlength"
	// KeyStopDifference is the convergence threshold.
	KeyStopDifference = "priter.stop.difference"
	// KeyStopMaxTime is the hard wall-clock cap in milliseconds.
	KeyStopMaxTime = "priter.stop.maxtime"
	// KeyMapSync enables strict map-reduce synchronization.
	KeyMapSync = "priter.job.mapsync"
	// KeyAsyncTime enables the time-triggered asynchronous regime.
	KeyAsyncTime = "priter.job.async.time"
	// KeyAsyncTimeThresh is the idle milliseconds before firing.
	KeyAsyncTimeThresh = "priter.job.async.time.thresh"
	// KeyAsyncSelf enables the self-triggered asynchronous regime.
	KeyAsyncSelf = "priter.job.async.self"
	// KeyInMem keeps state in memory only.
	KeyInMem = "priter.job.inmem"
	// KeySyncUpdate locks iteration updates into step.
	KeySyncUpdate = "priter.job.syncupdate"
	// KeyTransferMem avoids spill-to-disk on the activation path.
	KeyTransferMem = "priter.transfer.mem"
	// KeyMaxConnections caps concurrent transport handlers.
	KeyMaxConnections = "mapred.reduce.parallel.copies"
	// KeyFileBufferSize is the record reader window in bytes.
	KeyFileBufferSize = "io.file.buffer.size"
)

// Config is a flat key-value job configuration in the host runtime's
// style. Typed accessors fall back to the given default when the key is
// absent or malformed.
type Config map[string]string

// LoadConfigFile reads a YAML mapping of string keys to scalar values.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg := Config{}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			cfg[k] = val
		case bool:
			cfg[k] = strconv.FormatBool(val)
		case int:
			cfg[k] = strconv.Itoa(val)
		case float64:
			cfg[k] = strconv.FormatFloat(val, 'g', -1, 64)
		default:
			return nil, errors.Errorf("config %s: key %q has non-scalar value", path, k)
		}
	}
	return cfg, nil
}

// Set assigns a key, returning the config for chaining.
func (c Config) Set(key, value string) Config {
	c[key] = value
	return c
}

// SetInt assigns an integer key.
func (c Config) SetInt(key string, value int) Config {
	return c.Set(key, strconv.Itoa(value))
}

// SetFloat assigns a float key.
func (c Config) SetFloat(key string, value float64) Config {
	return c.Set(key, strconv.FormatFloat(value, 'g', -1, 64))
}

// SetBool assigns a boolean key.
func (c Config) SetBool(key string, value bool) Config {
	return c.Set(key, strconv.FormatBool(value))
}

// GetString returns the raw value or def when absent.
func (c Config) GetString(key, def string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}

// GetInt returns the key parsed as int or def.
func (c Config) GetInt(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetFloat returns the key parsed as float64 or def.
func (c Config) GetFloat(key string, def float64) float64 {
	v, ok := c[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns the key parsed as bool or def.
func (c Config) GetBool(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetMillis returns a millisecond-valued key as a duration.
func (c Config) GetMillis(key string, def time.Duration) time.Duration {
	v, ok := c[key]
	if !ok {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
