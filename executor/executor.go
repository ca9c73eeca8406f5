// Package executor spawns and supervises the set of pipelines registered
// against one engine. Grounded on golang.org/x/sync/errgroup, generalizing
// microbatch.Batcher's single-purpose run loop + cancel + wait shape to an
// arbitrary number of concurrently-spawned pipelines sharing one
// cancellation scope.
package executor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Executor supervises a group of running pipelines. The zero value is not
// usable; construct with New.
type Executor struct {
	group  *errgroup.Group
	cancel context.CancelFunc
	active atomic.Int64
}

// New derives a cancellable context from parent and returns an Executor
// ready to accept Spawn calls. Call CancelAll or cancel parent to stop every
// spawned pipeline; call WaitAll to block until they have all returned.
func New(parent context.Context) (*Executor, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Executor{group: group, cancel: cancel}, gctx
}

// runnable is satisfied by both pipeline.Ordered and pipeline.Parallel.
type runnable interface {
	Run(ctx context.Context) error
}

// SpawnOrdered runs an Ordered-mode pipeline under this Executor's
// supervision. It returns immediately; the pipeline runs on its own
// goroutine.
func (e *Executor) SpawnOrdered(ctx context.Context, p runnable) {
	e.spawn(ctx, p)
}

// SpawnParallel runs a Parallel-mode pipeline under this Executor's
// supervision. It returns immediately; the pipeline runs on its own
// goroutine.
func (e *Executor) SpawnParallel(ctx context.Context, p runnable) {
	e.spawn(ctx, p)
}

// Spawn runs any auxiliary loop (e.g. a Broadcaster's drive loop) under
// this Executor's supervision, with the same cancellation and error
// propagation as a pipeline.
func (e *Executor) Spawn(ctx context.Context, p runnable) {
	e.spawn(ctx, p)
}

func (e *Executor) spawn(ctx context.Context, p runnable) {
	e.active.Add(1)
	e.group.Go(func() error {
		defer e.active.Add(-1)
		return p.Run(ctx)
	})
}

// ActiveCount returns the number of pipelines currently running.
func (e *Executor) ActiveCount() int64 { return e.active.Load() }

// WaitAll blocks until every spawned pipeline has returned, then returns
// the first non-nil error any of them returned (errgroup.Group semantics:
// first error wins, the rest are discarded).
func (e *Executor) WaitAll() error { return e.group.Wait() }

// CancelAll cancels the context derived for every pipeline spawned by this
// Executor. It does not wait for them to exit; call WaitAll for that.
func (e *Executor) CancelAll() { e.cancel() }
