// Package collab defines the collaborator interfaces the engine drives but
// never implements: the checkpoint transport, the durable record store, and
// the per-pipeline processor. This module contains no concrete
// implementation of them.
package collab

import (
	"context"

	"github.com/chainwatch/ingestkit/checkpoint"
)

type (
	// DataSource is the checkpoint transport collaborator. Implementations
	// own all transport concerns (HTTP, JSON-RPC, local files, caching);
	// the engine only calls these four methods.
	DataSource[T any] interface {
		// GetCheckpoint fetches one checkpoint by sequence number. An error
		// wrapping ingesterr.ErrInvalidCheckpoint (e.g. a decode failure)
		// is permanent: the Broadcaster publishes it and skips the sequence
		// forever. Any other error is treated as transient and the
		// sequence is retried on a later window.
		GetCheckpoint(ctx context.Context, seq uint64) (checkpoint.Checkpoint[T], error)

		// LatestSequence returns the newest sequence number currently
		// available from the source.
		LatestSequence(ctx context.Context) (uint64, error)

		// Verify checks a fetched checkpoint's authenticity/integrity.
		Verify(ctx context.Context, cp checkpoint.Checkpoint[T]) (bool, error)

		// Name identifies the source for logs and progress snapshots.
		Name() string
	}

	// StorageAdapter is the durable storage collaborator used by
	// Processors and, optionally, by watermark.Store implementations that
	// delegate to it.
	StorageAdapter interface {
		Init(ctx context.Context) error

		// StoreRecords persists records for pipelineID, returning the
		// count actually stored.
		StoreRecords(ctx context.Context, pipelineID string, records []any) (int, error)

		UpdateWatermark(ctx context.Context, pipelineID string, seq, timestampMS uint64) error

		// GetWatermark returns ok=false if pipelineID has no stored
		// watermark yet.
		GetWatermark(ctx context.Context, pipelineID string) (seq, timestampMS uint64, ok bool, err error)

		// Prune removes records at or below beforeSeq, returning the count
		// removed.
		Prune(ctx context.Context, beforeSeq uint64) (int, error)
	}

	// Processor is the collaborator a Pipeline drives for one registered
	// pipeline. T is the checkpoint payload type, R the processor's own
	// record type.
	//
	// Process must be pure with respect to external state. Commit must be
	// idempotent on its record identity: the engine guarantees
	// at-least-once delivery, never exactly-once.
	Processor[T, R any] interface {
		Process(ctx context.Context, cp checkpoint.Checkpoint[T]) (checkpoint.ProcessedRecords[R], error)
		Commit(ctx context.Context, records checkpoint.ProcessedRecords[R]) error

		// Prune is optional cleanup; implementations that don't need it
		// may return nil unconditionally.
		Prune(ctx context.Context, beforeSeq uint64) error

		Name() string
	}
)
