// Package watermark implements the durable mapping from pipeline_id to
// (sequence, timestamp) the engine uses to resume without gaps or
// duplication.
package watermark

import "context"

// Store is the WatermarkStore contract. Put is atomic and monotonic-safe
// from the caller's side: the Store itself does not reject lower-sequence
// writes, callers guarantee monotonicity. Implementations must be safe for
// arbitrary concurrent callers on distinct ids; on the same id, the last
// writer wins.
type Store interface {
	// Put persists (sequence, timestampMS) for id. If backed by a
	// persistent store, the write must be durable before Put returns.
	Put(ctx context.Context, id string, sequence, timestampMS uint64) error

	// Get returns ok=false if id has never been persisted; callers should
	// treat that as sequence 0.
	Get(ctx context.Context, id string) (sequence, timestampMS uint64, ok bool, err error)

	// Reset deletes the entry for id. Used only by operator tooling.
	Reset(ctx context.Context, id string) error
}
