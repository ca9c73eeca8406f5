// Package broadcast drives the Regulator, fetches checkpoints from a
// DataSource, and fans each one out to every subscribed pipeline.
//
// There is no built-in multi-consumer broadcast channel in Go, so fan-out is
// built from one publisher (the Run goroutine) plus N per-subscriber bounded
// queues. A full queue does not block the publisher: the subscriber is marked
// lagged and its queue is closed, and it recovers by re-subscribing and
// resuming from its persisted watermark.
//
// The Regulator re-offers a window until the slowest pipeline commits past
// it, so the same sequence may be fetched more than once per run. Each
// subscription tracks the last sequence delivered to it and drops
// re-published checkpoints at or below that, which keeps delivery strictly
// increasing per subscriber and bounds any subscriber's backlog to one fetch
// window. Sequences already delivered to every live subscriber are not
// re-fetched at all.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainwatch/ingestkit/checkpoint"
	"github.com/chainwatch/ingestkit/collab"
	"github.com/chainwatch/ingestkit/ingesterr"
	"github.com/chainwatch/ingestkit/regulator"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// Broadcaster is the drive loop: DataSource -> Regulator -> fan-out.
	Broadcaster[T any] struct {
		source collab.DataSource[T]
		reg    *regulator.Regulator
		logger *logiface.Logger[logiface.Event]

		capacity         int
		idlePollInterval time.Duration
		fetchTimeout     time.Duration

		mu          sync.RWMutex
		subscribers map[string]*subscription[T]

		// invalid remembers sequences that failed verification, so a
		// permanently bad checkpoint is skipped instead of re-fetched on
		// every re-offered window. Owned by the Run goroutine.
		invalid map[uint64]bool

		progressMu sync.Mutex
		progress   IngestionProgress
		startedAt  time.Time
		rate       *rateTracker

		// errLogLimit gates error log lines, not error handling: a source
		// that fails every fetch for an hour produces a bounded number of
		// log lines, while IngestionProgress.LastError still updates on
		// every failure.
		errLogLimit *catrate.Limiter

		paused    atomic.Bool
		lagEvents atomic.Int64
	}

	subscription[T any] struct {
		id string
		ch chan checkpoint.BroadcastMessage[T]

		// mu serialises send against close; lastSeq is the highest
		// checkpoint sequence delivered to this subscription.
		mu      sync.Mutex
		closed  bool
		lagged  bool
		lastSeq uint64
	}

	// ReceiverHandle is a subscriber's receive-only view of the fan-out.
	ReceiverHandle[T any] struct {
		sub *subscription[T]
	}

	// Option configures a Broadcaster at construction.
	Option func(c *config)

	config struct {
		capacity         int
		idlePollInterval time.Duration
		fetchTimeout     time.Duration
		rateWindow       time.Duration
		logger           *logiface.Logger[logiface.Event]
	}
)

// WithCapacity sets the per-subscriber buffer depth (default 100).
func WithCapacity(capacity int) Option {
	return func(c *config) { c.capacity = capacity }
}

// WithIdlePollInterval sets the sleep applied when the source has no new
// data, and between re-offers of a window that is waiting on downstream
// commits (default 5s).
func WithIdlePollInterval(d time.Duration) Option {
	return func(c *config) { c.idlePollInterval = d }
}

// WithFetchTimeout sets the per-checkpoint I/O deadline (default 30s).
func WithFetchTimeout(d time.Duration) Option {
	return func(c *config) { c.fetchTimeout = d }
}

// WithRateWindow sets the trailing window used for IngestionProgress.Rate
// (default 10s).
func WithRateWindow(d time.Duration) Option {
	return func(c *config) { c.rateWindow = d }
}

// WithLogger sets the logger. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *config) { c.logger = logger }
}

// New constructs a Broadcaster driving reg against source.
func New[T any](source collab.DataSource[T], reg *regulator.Regulator, opts ...Option) *Broadcaster[T] {
	c := config{
		capacity:         100,
		idlePollInterval: 5 * time.Second,
		fetchTimeout:     30 * time.Second,
		rateWindow:       10 * time.Second,
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &Broadcaster[T]{
		source:           source,
		reg:              reg,
		logger:           c.logger,
		capacity:         c.capacity,
		idlePollInterval: c.idlePollInterval,
		fetchTimeout:     c.fetchTimeout,
		subscribers:      make(map[string]*subscription[T]),
		invalid:          make(map[uint64]bool),
		rate:             newRateTracker(c.rateWindow),
		errLogLimit:      catrate.NewLimiter(map[time.Duration]int{time.Minute: 30}),
	}
}

// Subscribe returns a handle that observes every message published from
// this call onward; messages published before Subscribe are never
// delivered (cold-start semantics). Calling Subscribe again for the same id
// replaces any existing subscription, which is how a lagged subscriber
// recovers: its unseen sequences are re-fetched because the Regulator's
// window still covers them.
func (b *Broadcaster[T]) Subscribe(id string) *ReceiverHandle[T] {
	sub := &subscription[T]{
		id: id,
		ch: make(chan checkpoint.BroadcastMessage[T], b.capacity),
	}

	b.mu.Lock()
	prev := b.subscribers[id]
	b.subscribers[id] = sub
	b.mu.Unlock()
	if prev != nil {
		prev.closeGraceful()
	}

	b.logger.Debug().
		Str(`subscriber`, id).
		Int(`capacity`, b.capacity).
		Log(`subscribed`)

	return &ReceiverHandle[T]{sub: sub}
}

// Register adds id to the Regulator's low-watermark computation.
func (b *Broadcaster[T]) Register(ctx context.Context, id string) error {
	return b.reg.Register(ctx, id)
}

// Unregister removes id from the Regulator's low-watermark computation and
// tears down its fan-out subscription, if any.
func (b *Broadcaster[T]) Unregister(ctx context.Context, id string) error {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.closeGraceful()
		b.logger.Debug().Str(`subscriber`, id).Log(`unsubscribed`)
	}
	return b.reg.Unregister(ctx, id)
}

// Progress returns a snapshot copy of the current IngestionProgress.
func (b *Broadcaster[T]) Progress() IngestionProgress {
	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	return b.progress
}

// LagCount returns the total number of subscriber-lag events observed since
// construction.
func (b *Broadcaster[T]) LagCount() int64 {
	return b.lagEvents.Load()
}

// Pause asks the drive loop to stop fetching until Resume is called. The
// Paused control message is published by the drive loop itself, after any
// checkpoint already fetched and before any further fetch, so a subscriber
// never observes a checkpoint on the wrong side of it. Pipelines react by
// draining and committing whatever they have batched. Pausing an
// already-paused broadcaster is a no-op.
func (b *Broadcaster[T]) Pause() {
	b.paused.Store(true)
}

// Resume lets the drive loop fetch again. As with Pause, the Resumed
// control message is published by the drive loop, before any newly fetched
// checkpoint. Resuming a broadcaster that is not paused is a no-op.
func (b *Broadcaster[T]) Resume() {
	b.paused.Store(false)
}

// Run is the drive loop: poll latest, compute the next window, fetch and
// publish each checkpoint, and repeat until ctx is cancelled. On
// cancellation it publishes Shutdown to every subscriber and returns nil.
func (b *Broadcaster[T]) Run(ctx context.Context) error {
	b.startedAt = time.Now()

	b.logger.Info().
		Str(`source`, b.source.Name()).
		Dur(`idle_poll_interval`, b.idlePollInterval).
		Dur(`fetch_timeout`, b.fetchTimeout).
		Log(`broadcaster started`)

	defer func() {
		b.publish(checkpoint.ShutdownMessage[T]())
		b.closeAllGraceful()
		b.logger.Info().Str(`source`, b.source.Name()).Log(`broadcaster stopped`)
	}()

	// pause state is announced from this goroutine only, so the control
	// messages are totally ordered against the checkpoints it publishes
	announcedPause := false

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if b.paused.Load() {
			if !announcedPause {
				b.publish(checkpoint.PausedMessage[T]())
				announcedPause = true
				b.logger.Info().Log(`ingestion paused`)
			}
			if !b.sleepIdle(ctx) {
				return nil
			}
			continue
		}
		if announcedPause {
			b.publish(checkpoint.ResumedMessage[T]())
			announcedPause = false
			b.logger.Info().Log(`ingestion resumed`)
		}

		latest, err := b.source.LatestSequence(ctx)
		if err != nil {
			b.recordError(err)
			if _, ok := b.errLogLimit.Allow(`latest`); ok {
				b.logger.Warning().Err(err).Log(`latest sequence poll failed`)
			}
			if !b.sleepIdle(ctx) {
				return nil
			}
			continue
		}
		if err := b.reg.ObserveLatest(ctx, latest); err != nil {
			return &ingesterr.FatalEngineError{Err: err}
		}

		window, err := b.reg.NextWindow(ctx)
		if err != nil {
			if errors.Is(err, ingesterr.ErrNoWork) {
				if !b.sleepIdle(ctx) {
					return nil
				}
				continue
			}
			return &ingesterr.FatalEngineError{Err: err}
		}

		b.logger.Debug().
			Uint64(`start`, window.Start).
			Uint64(`end`, window.End).
			Uint64(`latest`, latest).
			Log(`fetch window computed`)

		b.pruneInvalid(window.Start)
		floor := b.deliveredFloor()

		progressed := false
		for seq := window.Start; seq <= window.End; seq++ {
			if err := ctx.Err(); err != nil {
				return nil
			}
			if b.paused.Load() {
				// abandon the rest of the window; the loop top publishes
				// Paused, so nothing fetched here could land after it
				progressed = true
				break
			}
			if seq <= floor || b.invalid[seq] {
				continue
			}
			advanced, stop := b.fetchAndPublish(ctx, seq)
			if advanced {
				progressed = true
			}
			if stop {
				// transport failure: everything after seq would arrive out
				// of order on the retry, so abandon the window here
				break
			}
		}

		// the window is either empty of undelivered work (waiting on
		// downstream commits) or stuck on a failing fetch; pace the retry
		if !progressed {
			if !b.sleepIdle(ctx) {
				return nil
			}
		}
	}
}

// fetchAndPublish fetches and fans out one checkpoint. advanced reports
// that the stream moved (a checkpoint was delivered to someone, or the
// sequence was newly condemned as invalid); stop reports a transport
// failure that must abort the rest of the window.
func (b *Broadcaster[T]) fetchAndPublish(ctx context.Context, seq uint64) (advanced, stop bool) {
	fctx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	defer cancel()

	cp, err := b.source.GetCheckpoint(fctx, seq)
	if err != nil && errors.Is(err, ingesterr.ErrInvalidCheckpoint) {
		// a permanent failure (e.g. an undecodable checkpoint): skip forever
		b.invalid[seq] = true
		b.publish(checkpoint.ErrorMessage[T](err))
		b.recordError(err)
		if _, ok := b.errLogLimit.Allow(`invalid`); ok {
			b.logger.Warning().Uint64(`seq`, seq).Err(err).Log(`invalid checkpoint skipped`)
		}
		return true, false
	}
	if err != nil {
		terr := &ingesterr.TransportError{Seq: seq, Err: err}
		b.publish(checkpoint.ErrorMessage[T](terr))
		b.recordError(terr)
		if _, ok := b.errLogLimit.Allow(`transport`); ok {
			b.logger.Warning().Uint64(`seq`, seq).Err(err).Log(`checkpoint fetch failed`)
		}
		return false, true
	}

	ok, err := b.source.Verify(fctx, cp)
	if err != nil {
		terr := &ingesterr.TransportError{Seq: seq, Err: err}
		b.publish(checkpoint.ErrorMessage[T](terr))
		b.recordError(terr)
		if _, ok := b.errLogLimit.Allow(`transport`); ok {
			b.logger.Warning().Uint64(`seq`, seq).Err(err).Log(`checkpoint verify errored`)
		}
		return false, true
	}
	if !ok {
		b.invalid[seq] = true
		ierr := &ingesterr.InvalidCheckpointError{Seq: seq}
		b.publish(checkpoint.ErrorMessage[T](ierr))
		b.recordError(ierr)
		if _, ok := b.errLogLimit.Allow(`invalid`); ok {
			b.logger.Warning().Uint64(`seq`, seq).Log(`invalid checkpoint skipped`)
		}
		return true, false
	}

	delivered := b.publish(checkpoint.CheckpointMessage(cp))
	b.recordFetched(seq)
	return delivered, false
}

// publish fans msg out to every live subscription. For checkpoint messages
// it reports whether at least one subscription actually took delivery;
// control messages always report false.
func (b *Broadcaster[T]) publish(msg checkpoint.BroadcastMessage[T]) (delivered bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		sent, lagged := sub.send(msg)
		if sent && msg.Kind() == checkpoint.MessageCheckpoint {
			delivered = true
		}
		if lagged {
			b.lagEvents.Add(1)
			b.logger.Warning().Str(`subscriber`, sub.id).Log(`subscriber lagged, closing its queue`)
		}
	}
	return delivered
}

// deliveredFloor returns the highest sequence already delivered to every
// subscription, i.e. the point below which re-fetching is pointless. With
// no subscriptions it is 0.
func (b *Broadcaster[T]) deliveredFloor() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var floor uint64
	first := true
	for _, sub := range b.subscribers {
		last := sub.lastDelivered()
		if first || last < floor {
			floor = last
			first = false
		}
	}
	return floor
}

func (b *Broadcaster[T]) pruneInvalid(below uint64) {
	for seq := range b.invalid {
		if seq < below {
			delete(b.invalid, seq)
		}
	}
}

func (b *Broadcaster[T]) closeAllGraceful() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		sub.closeGraceful()
	}
}

func (b *Broadcaster[T]) sleepIdle(ctx context.Context) bool {
	t := time.NewTimer(b.idlePollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (b *Broadcaster[T]) recordFetched(seq uint64) {
	now := time.Now()
	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	b.progress.Current = seq
	b.progress.LastFetched = seq
	b.progress.ProcessedCount++
	b.progress.TotalEvents++
	b.progress.Rate = b.rate.mark(now)
	b.progress.LastUpdateMS = now.UnixMilli()
}

func (b *Broadcaster[T]) recordError(err error) {
	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	b.progress.LastError = err.Error()
	b.progress.LastUpdateMS = time.Now().UnixMilli()
}

// send attempts a non-blocking delivery. Checkpoint messages at or below
// the subscription's last delivered sequence are dropped as duplicates
// (sent=false) without counting as lag. lagged reports that this call
// transitioned the subscription into the lagged state.
func (s *subscription[T]) send(msg checkpoint.BroadcastMessage[T]) (sent, lagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	var seq uint64
	if cp, ok := msg.Checkpoint(); ok {
		seq = cp.Sequence()
		if seq <= s.lastSeq {
			return false, false
		}
	}

	select {
	case s.ch <- msg:
		if seq > 0 {
			s.lastSeq = seq
		}
		return true, false
	default:
		s.closed = true
		s.lagged = true
		close(s.ch)
		return false, true
	}
}

func (s *subscription[T]) closeGraceful() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *subscription[T]) lastDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *subscription[T]) isLagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Recv blocks until a message is available, ctx is cancelled, or the
// subscription ends. A lagged subscription surfaces ingesterr.LagError
// once its buffered messages are drained; a gracefully-closed one
// (Unregister, replacement by a newer Subscribe, or after Shutdown) returns
// ok=false with no error.
func (h *ReceiverHandle[T]) Recv(ctx context.Context) (checkpoint.BroadcastMessage[T], bool, error) {
	select {
	case <-ctx.Done():
		var zero checkpoint.BroadcastMessage[T]
		return zero, false, ctx.Err()
	case msg, ok := <-h.sub.ch:
		if !ok {
			if h.sub.isLagged() {
				return checkpoint.BroadcastMessage[T]{}, false, &ingesterr.LagError{SubscriberID: h.sub.id}
			}
			return checkpoint.BroadcastMessage[T]{}, false, nil
		}
		return msg, true, nil
	}
}
