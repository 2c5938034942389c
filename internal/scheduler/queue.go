// Package scheduler defines the event scheduler boundary the core calls
// through (spec.md §6): queue_new, schedule, queue_destroy, and nothing
// else. The core has no opinion on durability; MemFactory (the default) and
// AzureFactory (optional) are two very different answers to that question
// behind the same interface.
package scheduler

import "context"

// Queue is a per-connection handle returned by Factory.NewQueue. It exists
// iff the peer is a client (any non-relay capability) and the connection is
// in the connections set (spec.md §3).
type Queue interface {
	// Schedule hands event off for processing/forwarding. It must not block
	// past ctx's deadline.
	Schedule(ctx context.Context, analyzerID uint64, event []byte) error
	// Close releases the queue. Called at most once, from the connection's
	// close callback.
	Close() error
}

// Factory creates a fresh Queue for a newly-declared client connection,
// mirroring queue_new() -> handle.
type Factory interface {
	NewQueue(analyzerID uint64) (Queue, error)
}
