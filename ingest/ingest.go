// Package ingest wires a DataSource, a WatermarkStore, and any number of
// registered processors into one running engine: a Regulator gating fetch
// windows, a Broadcaster driving and fanning out the DataSource, and an
// Executor supervising every registered pipeline plus the Broadcaster
// itself.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/chainwatch/ingestkit/broadcast"
	"github.com/chainwatch/ingestkit/collab"
	"github.com/chainwatch/ingestkit/executor"
	"github.com/chainwatch/ingestkit/pipeline"
	"github.com/chainwatch/ingestkit/regulator"
	"github.com/chainwatch/ingestkit/watermark"
	"github.com/joeycumines/logiface"
)

// Config is the engine's configuration surface. Zero-value fields are
// replaced by their defaults in New.
type Config struct {
	// BatchSize is the Regulator's fetch window width. Default 25.
	BatchSize uint64
	// ChannelCapacity is the broadcast buffer depth, per subscriber.
	// Default 100.
	ChannelCapacity int
	// IdlePollInterval is the sleep applied when the source has no new
	// data. Default 5s.
	IdlePollInterval time.Duration
	// FetchTimeout is the per-checkpoint I/O deadline. Default 30s.
	FetchTimeout time.Duration
	// StartCheckpoint is the minimum sequence to fetch for a pipeline that
	// has no prior watermark. Default 0 (fetch from sequence 1).
	StartCheckpoint uint64
	// Logger receives one line per engine state transition. A nil Logger
	// (the default) disables logging.
	Logger *logiface.Logger[logiface.Event]
}

// Option configures a Config at construction.
type Option func(*Config)

func WithBatchSize(n uint64) Option { return func(c *Config) { c.BatchSize = n } }

func WithChannelCapacity(n int) Option { return func(c *Config) { c.ChannelCapacity = n } }

func WithIdlePollInterval(d time.Duration) Option { return func(c *Config) { c.IdlePollInterval = d } }

func WithFetchTimeout(d time.Duration) Option { return func(c *Config) { c.FetchTimeout = d } }

func WithStartCheckpoint(seq uint64) Option { return func(c *Config) { c.StartCheckpoint = seq } }

func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *Config) { c.Logger = logger }
}

func defaultConfig() Config {
	return Config{
		BatchSize:        25,
		ChannelCapacity:  100,
		IdlePollInterval: 5 * time.Second,
		FetchTimeout:     30 * time.Second,
	}
}

// Engine is the running instance: one DataSource, one Regulator, one
// Broadcaster, and the Executor supervising everything registered against
// it. T is the DataSource's checkpoint payload type.
type Engine[T any] struct {
	cfg      Config
	store    watermark.Store
	reg      *regulator.Regulator
	b        *broadcast.Broadcaster[T]
	ex       *executor.Executor
	ctx      context.Context
	regClose sync.Once
}

// New constructs an Engine. It does not start the Broadcaster's drive loop;
// call Start once every pipeline has been registered.
func New[T any](parent context.Context, source collab.DataSource[T], store watermark.Store, opts ...Option) *Engine[T] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := regulator.New(cfg.BatchSize)
	b := broadcast.New[T](source, reg,
		broadcast.WithCapacity(cfg.ChannelCapacity),
		broadcast.WithIdlePollInterval(cfg.IdlePollInterval),
		broadcast.WithFetchTimeout(cfg.FetchTimeout),
		broadcast.WithLogger(cfg.Logger),
	)
	ex, ctx := executor.New(parent)

	return &Engine[T]{cfg: cfg, store: store, reg: reg, b: b, ex: ex, ctx: ctx}
}

// Context returns the cancellable context shared by every pipeline this
// Engine spawns; it is cancelled by Stop or by the parent context passed to
// New.
func (e *Engine[T]) Context() context.Context { return e.ctx }

// Progress returns a snapshot of the Broadcaster's current ingestion
// progress.
func (e *Engine[T]) Progress() broadcast.IngestionProgress { return e.b.Progress() }

// LagCount returns the total number of subscriber-lag events observed
// since the Engine was constructed.
func (e *Engine[T]) LagCount() int64 { return e.b.LagCount() }

// ActiveCount returns the number of pipelines (including the Broadcaster's
// own drive loop, once Start has been called) currently running.
func (e *Engine[T]) ActiveCount() int64 { return e.ex.ActiveCount() }

// Start spawns the Broadcaster's drive loop under the Executor's
// supervision. Call it once, after every pipeline has been registered.
func (e *Engine[T]) Start() {
	e.ex.Spawn(e.ctx, e.b)
}

// Stop cancels every pipeline spawned by this Engine, including the
// Broadcaster's drive loop.
func (e *Engine[T]) Stop() { e.ex.CancelAll() }

// Pause stops fetching at the drive loop's next step and tells every
// pipeline to drain and commit its pending batch; Resume continues from
// where fetching left off.
func (e *Engine[T]) Pause()  { e.b.Pause() }
func (e *Engine[T]) Resume() { e.b.Resume() }

// WaitAll blocks until every spawned pipeline (and the Broadcaster) has
// returned, returning the first non-nil error among them. The Regulator's
// actor goroutine is stopped once everything has drained.
func (e *Engine[T]) WaitAll() error {
	err := e.ex.WaitAll()
	e.regClose.Do(e.reg.Close)
	return err
}

// ensureStartCheckpoint seeds the watermark store with StartCheckpoint-1
// for id, if and only if id has no stored watermark yet: a pipeline's
// catch-up skip then begins at StartCheckpoint instead of sequence 1.
func (e *Engine[T]) ensureStartCheckpoint(ctx context.Context, id string) error {
	if e.cfg.StartCheckpoint == 0 {
		return nil
	}
	_, _, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return e.store.Put(ctx, id, e.cfg.StartCheckpoint-1, uint64(time.Now().UnixMilli()))
}

// preRegister installs id's regulator gate before the pipeline goroutine
// starts, so the Broadcaster cannot compute a window that ignores a
// pipeline which is still spawning, and seeds the gate with the persisted
// watermark so a warm start fetches from where the pipeline left off.
func (e *Engine[T]) preRegister(ctx context.Context, id string) error {
	if err := e.reg.Register(ctx, id); err != nil {
		return err
	}
	seq, _, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ok && seq > 0 {
		return e.reg.ObserveCommit(ctx, id, seq)
	}
	return nil
}

// RegisterOrdered registers and spawns an Ordered-mode pipeline against
// processor, committing batches of up to batchSize checkpoints. R is the
// processor's own record type, independent of the Engine's checkpoint
// payload type T.
func RegisterOrdered[T, R any](e *Engine[T], id string, processor collab.Processor[T, R], batchSize int) error {
	if err := e.ensureStartCheckpoint(e.ctx, id); err != nil {
		return err
	}
	if err := e.preRegister(e.ctx, id); err != nil {
		return err
	}
	p := pipeline.NewOrdered[T, R](id, processor, e.store, e.b, e.reg, batchSize, pipeline.WithLogger(e.cfg.Logger))
	e.ex.SpawnOrdered(e.ctx, p)
	return nil
}

// RegisterParallel registers and spawns a Parallel-mode pipeline against
// processor, admitting up to maxInflight concurrent process+commit tasks.
func RegisterParallel[T, R any](e *Engine[T], id string, processor collab.Processor[T, R], maxInflight int) error {
	if err := e.ensureStartCheckpoint(e.ctx, id); err != nil {
		return err
	}
	if err := e.preRegister(e.ctx, id); err != nil {
		return err
	}
	p := pipeline.NewParallel[T, R](id, processor, e.store, e.b, e.reg, maxInflight, pipeline.WithLogger(e.cfg.Logger))
	e.ex.SpawnParallel(e.ctx, p)
	return nil
}
