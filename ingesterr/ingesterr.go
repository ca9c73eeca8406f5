// Package ingesterr defines the error taxonomy shared by every engine
// component: sentinel errors for control flow, plus small wrapper types
// that carry the sequence number or subscriber a failure relates to.
package ingesterr

import (
	"errors"
	"fmt"
)

var (
	// ErrNoWork is returned by the Regulator when there is nothing new to
	// fetch (start would exceed the latest available sequence).
	ErrNoWork = errors.New("ingesterr: no work available")

	// ErrLagged is the sentinel a LagError wraps; callers should prefer
	// errors.Is(err, ErrLagged) over a type assertion.
	ErrLagged = errors.New("ingesterr: subscriber lagged past retention")

	// ErrFatal is the sentinel a FatalEngineError wraps.
	ErrFatal = errors.New("ingesterr: fatal engine error")

	// ErrInvalidCheckpoint is the sentinel an InvalidCheckpointError wraps.
	ErrInvalidCheckpoint = errors.New("ingesterr: checkpoint failed verification")
)

type (
	// TransportError wraps a transient DataSource failure for sequence Seq.
	// Policy: publish, leave the sequence unadvanced, retry next window.
	TransportError struct {
		Seq uint64
		Err error
	}

	// InvalidCheckpointError marks a checkpoint that failed verification or
	// decode. Policy: publish, then skip forever (the Regulator advances
	// past it).
	InvalidCheckpointError struct {
		Seq uint64
	}

	// ProcessError wraps a Processor.Process failure for sequence Seq.
	// Policy: log, do not commit, do not advance the watermark.
	ProcessError struct {
		Seq uint64
		Err error
	}

	// CommitError wraps a Processor.Commit failure. Policy: retry with
	// capped backoff; on exhaustion it becomes fatal for that pipeline.
	CommitError struct {
		Seq uint64
		Err error
	}

	// LagError marks a subscriber that fell behind its channel's retention.
	// Policy: treat like a restart (re-read watermark, re-subscribe,
	// catch-up skip).
	LagError struct {
		SubscriberID string
	}

	// FatalEngineError marks a failure that must cancel every pipeline:
	// an unreachable WatermarkStore, or a Regulator call that fails because
	// its context was cancelled or the Regulator was closed. Panics are not
	// recovered into it.
	FatalEngineError struct {
		Err error
	}
)

func (e *TransportError) Error() string {
	return fmt.Sprintf("ingesterr: transport error fetching seq %d: %v", e.Seq, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *InvalidCheckpointError) Error() string {
	return fmt.Sprintf("ingesterr: invalid checkpoint %d", e.Seq)
}

func (e *InvalidCheckpointError) Unwrap() error { return ErrInvalidCheckpoint }

func (e *ProcessError) Error() string {
	return fmt.Sprintf("ingesterr: process error on seq %d: %v", e.Seq, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

func (e *CommitError) Error() string {
	return fmt.Sprintf("ingesterr: commit error on seq %d: %v", e.Seq, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *LagError) Error() string {
	return fmt.Sprintf("ingesterr: subscriber %q lagged", e.SubscriberID)
}

func (e *LagError) Unwrap() error { return ErrLagged }

func (e *FatalEngineError) Error() string {
	return fmt.Sprintf("ingesterr: fatal: %v", e.Err)
}

func (e *FatalEngineError) Unwrap() error { return errors.Join(ErrFatal, e.Err) }
