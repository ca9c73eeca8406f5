// Package pipeline implements the two ways a registered processor consumes
// the broadcast stream: Ordered (strict in-order batched commits) and
// Parallel (bounded-concurrency, out-of-order-safe commits).
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/chainwatch/ingestkit/checkpoint"
	"github.com/chainwatch/ingestkit/collab"
	"github.com/chainwatch/ingestkit/ingesterr"
	"github.com/chainwatch/ingestkit/regulator"
	"github.com/chainwatch/ingestkit/watermark"
	"github.com/joeycumines/logiface"

	"github.com/chainwatch/ingestkit/broadcast"
)

// Ordered wraps one Processor and one subscription, committing batches of
// up to Batch checkpoints in strictly increasing sequence order. Grounded
// on microbatch.Batcher's accumulate-then-flush shape: append until the
// configured size is reached, then flush; here also flushing on Paused and
// Shutdown, which microbatch's timer/max-size flush alone does not need to.
type Ordered[T, R any] struct {
	id        string
	processor collab.Processor[T, R]
	store     watermark.Store
	b         *broadcast.Broadcaster[T]
	reg       *regulator.Regulator
	logger    *logiface.Logger[logiface.Event]
	batchSize int

	errCount int64
}

// NewOrdered constructs an Ordered pipeline. batchSize is the number of
// checkpoints accumulated per commit; values <= 0 are treated as 1.
func NewOrdered[T, R any](id string, processor collab.Processor[T, R], store watermark.Store, b *broadcast.Broadcaster[T], reg *regulator.Regulator, batchSize int, opts ...Option) *Ordered[T, R] {
	if batchSize <= 0 {
		batchSize = 1
	}
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return &Ordered[T, R]{id: id, processor: processor, store: store, b: b, reg: reg, logger: c.logger, batchSize: batchSize}
}

// ErrorCount returns the number of Error messages, Process failures and lag
// events observed by this pipeline since construction. An exhausted commit
// is not counted: it ends Run with a CommitError instead.
func (p *Ordered[T, R]) ErrorCount() int64 { return p.errCount }

// Run drives the pipeline until ctx is cancelled, the processor returns a
// fatal error, or the broadcast stream ends. It always unregisters from reg
// and b before returning.
func (p *Ordered[T, R]) Run(ctx context.Context) error {
	skip, _, ok, err := p.store.Get(ctx, p.id)
	if err != nil {
		return &ingesterr.FatalEngineError{Err: err}
	}
	if !ok {
		skip = 0
	}

	p.logger.Info().
		Str(`pipeline`, p.id).
		Str(`processor`, p.processor.Name()).
		Int(`batch`, p.batchSize).
		Uint64(`watermark`, skip).
		Log(`ordered pipeline started`)

	if err := p.reg.Register(ctx, p.id); err != nil {
		return &ingesterr.FatalEngineError{Err: err}
	}
	defer p.reg.Unregister(context.Background(), p.id)

	recv := p.b.Subscribe(p.id)
	defer p.b.Unregister(context.Background(), p.id)

	var pending []R
	var metrics checkpoint.Metrics
	var maxSeq uint64
	var count int
	var paused bool

	// commits must complete even when ctx fires mid-drain, or the watermark
	// would fall behind records already handed to the processor
	commitCtx := context.WithoutCancel(ctx)

	commit := func() error {
		if count == 0 {
			return nil
		}
		pr := checkpoint.ProcessedRecords[R]{SourceSequence: maxSeq, Records: pending, Metrics: metrics}
		if err := retryWithBackoff(commitCtx, p.logger, maxSeq, func() error { return p.processor.Commit(commitCtx, pr) }); err != nil {
			return &ingesterr.CommitError{Seq: maxSeq, Err: err}
		}
		if err := p.store.Put(commitCtx, p.id, maxSeq, uint64(time.Now().UnixMilli())); err != nil {
			return &ingesterr.FatalEngineError{Err: err}
		}
		if err := p.reg.ObserveCommit(commitCtx, p.id, maxSeq); err != nil {
			return &ingesterr.FatalEngineError{Err: err}
		}
		p.logger.Debug().
			Str(`pipeline`, p.id).
			Uint64(`seq`, maxSeq).
			Int(`records`, len(pending)).
			Log(`batch committed`)
		skip = maxSeq
		pending = nil
		metrics = checkpoint.Metrics{}
		count = 0
		return nil
	}

	for {
		msg, ok, err := recv.Recv(ctx)
		if err != nil {
			var lagErr *ingesterr.LagError
			if errors.As(err, &lagErr) {
				p.errCount++
				newSkip, _, wmOK, gerr := p.store.Get(ctx, p.id)
				if gerr != nil {
					return &ingesterr.FatalEngineError{Err: gerr}
				}
				if wmOK {
					skip = newSkip
				} else {
					skip = 0
				}
				// the uncommitted batch is discarded: everything in it is
				// above the persisted watermark and will be re-delivered
				pending = nil
				metrics = checkpoint.Metrics{}
				count = 0
				maxSeq = skip
				p.logger.Warning().
					Str(`pipeline`, p.id).
					Uint64(`watermark`, skip).
					Log(`lagged, resubscribing from persisted watermark`)
				recv = p.b.Subscribe(p.id)
				continue
			}
			if commitErr := commit(); commitErr != nil {
				return commitErr
			}
			return err
		}
		if !ok {
			if commitErr := commit(); commitErr != nil {
				return commitErr
			}
			return nil
		}

		switch msg.Kind() {
		case checkpoint.MessageCheckpoint:
			cp, _ := msg.Checkpoint()
			if cp.Sequence() <= skip {
				continue // catch-up skip
			}
			if paused {
				continue
			}

			records, err := p.processor.Process(ctx, cp)
			if err != nil {
				p.errCount++
				p.logger.Warning().
					Str(`pipeline`, p.id).
					Uint64(`seq`, cp.Sequence()).
					Err(err).
					Log(`process failed, checkpoint skipped`)
				continue
			}
			pending = append(pending, records.Records...)
			metrics.TxCount += records.Metrics.TxCount
			metrics.EventCount += records.Metrics.EventCount
			metrics.ObjChangeCount += records.Metrics.ObjChangeCount
			metrics.RecordsCreated += records.Metrics.RecordsCreated
			metrics.DurationMS += records.Metrics.DurationMS
			if cp.Sequence() > maxSeq {
				maxSeq = cp.Sequence()
			}
			count++

			if count >= p.batchSize {
				if err := commit(); err != nil {
					return err
				}
			}

		case checkpoint.MessageError:
			p.errCount++

		case checkpoint.MessagePaused:
			if err := commit(); err != nil {
				return err
			}
			paused = true

		case checkpoint.MessageResumed:
			paused = false

		case checkpoint.MessageShutdown:
			if err := commit(); err != nil {
				return err
			}
			return nil
		}
	}
}
