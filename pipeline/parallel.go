package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainwatch/ingestkit/broadcast"
	"github.com/chainwatch/ingestkit/checkpoint"
	"github.com/chainwatch/ingestkit/collab"
	"github.com/chainwatch/ingestkit/ingesterr"
	"github.com/chainwatch/ingestkit/regulator"
	"github.com/chainwatch/ingestkit/watermark"
	"github.com/joeycumines/logiface"
)

// Parallel wraps one Processor and one subscription, admitting up to
// MaxInflight concurrent process+commit tasks. Grounded on
// microbatch.Batcher's runningBatchCh: a buffered channel of struct{} used
// purely as a counting semaphore, generalized here from "bound concurrent
// batch flushes" to "bound concurrent per-checkpoint process+commit tasks".
type Parallel[T, R any] struct {
	id          string
	processor   collab.Processor[T, R]
	store       watermark.Store
	b           *broadcast.Broadcaster[T]
	reg         *regulator.Regulator
	logger      *logiface.Logger[logiface.Event]
	maxInflight int

	watermark atomic.Uint64
	errCount  atomic.Int64
}

// NewParallel constructs a Parallel pipeline admitting up to maxInflight
// concurrent process+commit tasks. Values <= 0 are treated as 1.
func NewParallel[T, R any](id string, processor collab.Processor[T, R], store watermark.Store, b *broadcast.Broadcaster[T], reg *regulator.Regulator, maxInflight int, opts ...Option) *Parallel[T, R] {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return &Parallel[T, R]{id: id, processor: processor, store: store, b: b, reg: reg, logger: c.logger, maxInflight: maxInflight}
}

func (p *Parallel[T, R]) ErrorCount() int64 { return p.errCount.Load() }

// Run drives the pipeline until ctx is cancelled, a commit is fatally
// exhausted, or the broadcast stream ends. Shutdown (or context
// cancellation) drains by joining every in-flight task before returning, so
// the watermark it leaves behind is never ahead of a task that is still
// running.
func (p *Parallel[T, R]) Run(ctx context.Context) error {
	skip, _, ok, err := p.store.Get(ctx, p.id)
	if err != nil {
		return &ingesterr.FatalEngineError{Err: err}
	}
	if !ok {
		skip = 0
	}
	p.watermark.Store(skip)

	p.logger.Info().
		Str(`pipeline`, p.id).
		Str(`processor`, p.processor.Name()).
		Int(`max_inflight`, p.maxInflight).
		Uint64(`watermark`, skip).
		Log(`parallel pipeline started`)

	if err := p.reg.Register(ctx, p.id); err != nil {
		return &ingesterr.FatalEngineError{Err: err}
	}
	defer p.reg.Unregister(context.Background(), p.id)

	recv := p.b.Subscribe(p.id)
	defer p.b.Unregister(context.Background(), p.id)

	admit := make(chan struct{}, p.maxInflight)
	var wg sync.WaitGroup
	var taskErr atomic.Pointer[error]

	// commits must complete even when ctx fires mid-drain, or the watermark
	// would fall behind records already handed to the processor
	commitCtx := context.WithoutCancel(ctx)

	runTask := func(cp checkpoint.Checkpoint[T]) {
		defer wg.Done()
		defer func() { <-admit }()

		records, err := p.processor.Process(ctx, cp)
		if err != nil {
			p.errCount.Add(1)
			p.logger.Warning().
				Str(`pipeline`, p.id).
				Uint64(`seq`, cp.Sequence()).
				Err(err).
				Log(`process failed, checkpoint skipped`)
			return
		}

		commitErr := retryWithBackoff(commitCtx, p.logger, cp.Sequence(), func() error { return p.processor.Commit(commitCtx, records) })
		if commitErr != nil {
			wrapped := error(&ingesterr.CommitError{Seq: cp.Sequence(), Err: commitErr})
			taskErr.Store(&wrapped)
			return
		}

		for {
			cur := p.watermark.Load()
			if cp.Sequence() <= cur {
				break
			}
			if p.watermark.CompareAndSwap(cur, cp.Sequence()) {
				break
			}
		}
		if err := p.store.Put(commitCtx, p.id, p.watermark.Load(), uint64(time.Now().UnixMilli())); err != nil {
			wrapped := error(&ingesterr.FatalEngineError{Err: err})
			taskErr.Store(&wrapped)
			return
		}
		if err := p.reg.ObserveCommit(commitCtx, p.id, p.watermark.Load()); err != nil {
			wrapped := error(&ingesterr.FatalEngineError{Err: err})
			taskErr.Store(&wrapped)
		}
	}

	drainAndReturn := func(retErr error) error {
		wg.Wait()
		if ptr := taskErr.Load(); ptr != nil {
			return *ptr
		}
		return retErr
	}

	for {
		msg, ok, err := recv.Recv(ctx)
		if err != nil {
			var lagErr *ingesterr.LagError
			if errors.As(err, &lagErr) {
				p.errCount.Add(1)
				newSkip, _, wmOK, gerr := p.store.Get(ctx, p.id)
				if gerr != nil {
					return drainAndReturn(&ingesterr.FatalEngineError{Err: gerr})
				}
				if wmOK {
					skip = newSkip
				} else {
					skip = 0
				}
				p.logger.Warning().
					Str(`pipeline`, p.id).
					Uint64(`watermark`, skip).
					Log(`lagged, resubscribing from persisted watermark`)
				recv = p.b.Subscribe(p.id)
				continue
			}
			return drainAndReturn(err)
		}
		if !ok {
			return drainAndReturn(nil)
		}

		switch msg.Kind() {
		case checkpoint.MessageCheckpoint:
			cp, _ := msg.Checkpoint()
			if cp.Sequence() <= skip {
				continue
			}

			select {
			case admit <- struct{}{}:
			case <-ctx.Done():
				return drainAndReturn(ctx.Err())
			}
			wg.Add(1)
			go runTask(cp)

		case checkpoint.MessageError:
			p.errCount.Add(1)

		case checkpoint.MessagePaused:
			wg.Wait()
			if ptr := taskErr.Load(); ptr != nil {
				return *ptr
			}

		case checkpoint.MessageResumed:
			// nothing to do: Parallel has no batching state to resume

		case checkpoint.MessageShutdown:
			return drainAndReturn(nil)
		}
	}
}
