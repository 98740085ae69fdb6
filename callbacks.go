package priter

import "github.com/liangfan/priter/internal/interfaces"

// Public aliases of the callback contracts user jobs implement. The
// definitions live in an internal package so every layer can share them
// without import cycles.

// Key identifies one unit of keyed state.
type Key = interfaces.Key

// Operator is the user algebra over opaque state values: combine,
// ordering, the unit element, the cumulative update and the
// convergence distance.
type Operator = interfaces.Operator

// Activator is the map-side user function invoked per activated key.
type Activator = interfaces.Activator

// EmitFunc receives (key, delta) pairs produced by activation.
type EmitFunc = interfaces.EmitFunc

// Partitioner assigns a key to one of n partitions.
type Partitioner = interfaces.Partitioner

// Observer receives metrics callbacks from the hot paths.
type Observer = interfaces.Observer

// Callbacks bundles the user-supplied pieces of a job.
type Callbacks struct {
	Operator    Operator
	Activator   Activator
	Partitioner Partitioner
}

// HashPartitioner is the default key partitioner.
func HashPartitioner(k Key, n int) int {
	return int(uint64(k) % uint64(n))
}
