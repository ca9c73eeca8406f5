// Package checkpoint defines the data types shared across the ingestion
// engine: the checkpoint itself, watermarks, fetch windows, the broadcast
// envelope, and the records a processor produces.
package checkpoint

import "fmt"

type (
	// Checkpoint is an immutable, sequentially-numbered unit of ingestion.
	// T is the transaction payload type, opaque to everything except the
	// Processor that consumes it.
	Checkpoint[T any] struct {
		sequence    uint64
		timestampMS uint64
		payload     T
	}

	// Watermark is a pipeline's durable progress marker: all checkpoints at
	// or below Sequence have been committed.
	Watermark struct {
		Sequence    uint64
		TimestampMS uint64
		UpdatedAtMS uint64
	}

	// FetchWindow is a contiguous range of sequence numbers to fetch, with
	// Start <= End.
	FetchWindow struct {
		Start uint64
		End   uint64
	}

	// Mode selects a Pipeline's execution strategy. The two concrete
	// implementations are OrderedMode and ParallelMode; Mode is a closed
	// sum, not an open interface meant for external implementations.
	Mode interface {
		isMode()
	}

	// OrderedMode commits records in strictly increasing sequence order,
	// batching up to Batch records per commit.
	OrderedMode struct {
		Batch int
	}

	// ParallelMode admits up to MaxInflight concurrent process+commit tasks,
	// trading strict ordering for throughput.
	ParallelMode struct {
		MaxInflight int
	}

	// PipelineDescriptor identifies a registered pipeline and its mode.
	// It is immutable from registration until the Executor joins the
	// pipeline.
	PipelineDescriptor struct {
		ID   string
		Mode Mode
	}

	// MessageKind tags the variant carried by a BroadcastMessage.
	MessageKind int

	// BroadcastMessage is the tagged envelope published by a Broadcaster.
	// It is a closed sum (Checkpoint, Error, Paused, Resumed, Shutdown)
	// represented as a struct with typed accessors, never as an any-typed
	// interface: a subscriber never needs a type switch over unexported
	// types to tell the variants apart.
	BroadcastMessage[T any] struct {
		kind       MessageKind
		checkpoint Checkpoint[T]
		err        error
	}

	// ProcessedRecords is the output of Processor.Process: the records
	// derived from one checkpoint, plus the metrics accumulated while
	// producing them. R is the processor's own record type.
	ProcessedRecords[R any] struct {
		SourceSequence uint64
		Records        []R
		Metrics        Metrics
	}

	// Metrics summarizes the work done while processing one checkpoint.
	Metrics struct {
		TxCount        int
		EventCount     int
		ObjChangeCount int
		RecordsCreated int
		DurationMS     int64
	}
)

const (
	MessageCheckpoint MessageKind = iota
	MessageError
	MessagePaused
	MessageResumed
	MessageShutdown
)

func (OrderedMode) isMode()  {}
func (ParallelMode) isMode() {}

func (k MessageKind) String() string {
	switch k {
	case MessageCheckpoint:
		return "checkpoint"
	case MessageError:
		return "error"
	case MessagePaused:
		return "paused"
	case MessageResumed:
		return "resumed"
	case MessageShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// NewCheckpoint constructs a Checkpoint from its required fields.
func NewCheckpoint[T any](sequence, timestampMS uint64, payload T) Checkpoint[T] {
	return Checkpoint[T]{sequence: sequence, timestampMS: timestampMS, payload: payload}
}

func (c Checkpoint[T]) Sequence() uint64    { return c.sequence }
func (c Checkpoint[T]) TimestampMS() uint64 { return c.timestampMS }
func (c Checkpoint[T]) Payload() T          { return c.payload }

// CheckpointMessage wraps a checkpoint for broadcast.
func CheckpointMessage[T any](cp Checkpoint[T]) BroadcastMessage[T] {
	return BroadcastMessage[T]{kind: MessageCheckpoint, checkpoint: cp}
}

// ErrorMessage wraps a transport/validation error for broadcast; it never
// halts the stream, only informs subscribers.
func ErrorMessage[T any](err error) BroadcastMessage[T] {
	return BroadcastMessage[T]{kind: MessageError, err: err}
}

func PausedMessage[T any]() BroadcastMessage[T] {
	return BroadcastMessage[T]{kind: MessagePaused}
}

func ResumedMessage[T any]() BroadcastMessage[T] {
	return BroadcastMessage[T]{kind: MessageResumed}
}

func ShutdownMessage[T any]() BroadcastMessage[T] {
	return BroadcastMessage[T]{kind: MessageShutdown}
}

func (m BroadcastMessage[T]) Kind() MessageKind { return m.kind }

// Checkpoint returns the carried checkpoint and true, if Kind() ==
// MessageCheckpoint.
func (m BroadcastMessage[T]) Checkpoint() (Checkpoint[T], bool) {
	return m.checkpoint, m.kind == MessageCheckpoint
}

// Error returns the carried error and true, if Kind() == MessageError.
func (m BroadcastMessage[T]) Error() (error, bool) {
	return m.err, m.kind == MessageError
}
