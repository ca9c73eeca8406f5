// Package regulator decides which sequence numbers the Broadcaster should
// fetch next, gated by the slowest registered pipeline.
//
// State is owned by a single goroutine that answers requests sent over a
// channel, the same single-owner-plus-messages shape microbatch.Batcher
// uses for its run loop: there is no exported mutex, and no caller ever
// blocks another caller beyond the time it takes the owner to apply one
// request.
package regulator

import (
	"context"
	"sync"

	"github.com/chainwatch/ingestkit/checkpoint"
	"github.com/chainwatch/ingestkit/ingesterr"
)

type (
	// Regulator is a handle to the actor goroutine; the zero value is not
	// usable, construct with New.
	Regulator struct {
		reqCh     chan request
		closeCh   chan struct{}
		closeOnce sync.Once
		done      chan struct{}
	}

	op int

	request struct {
		op    op
		id    string
		seq   uint64
		reply chan response
	}

	response struct {
		window checkpoint.FetchWindow
		low    uint64
		err    error
	}

	state struct {
		latestAvailable uint64
		batchSize       uint64
		watermarks      map[string]uint64
		everRegistered  bool
	}
)

const (
	opRegister op = iota
	opUnregister
	opNextWindow
	opObserveCommit
	opObserveLatest
	opLowWatermark
)

// New starts the actor goroutine and returns a handle. batchSize must be
// positive; it caps how aggressively NextWindow runs ahead within a single
// call.
func New(batchSize uint64) *Regulator {
	if batchSize == 0 {
		batchSize = 1
	}
	r := &Regulator{
		reqCh:   make(chan request),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run(batchSize)
	return r
}

// Close stops the actor goroutine. It is safe to call more than once.
func (r *Regulator) Close() {
	r.closeOnce.Do(func() { close(r.closeCh) })
	<-r.done
}

func (r *Regulator) run(batchSize uint64) {
	defer close(r.done)

	st := &state{
		batchSize:  batchSize,
		watermarks: make(map[string]uint64),
	}

	for {
		select {
		case <-r.closeCh:
			return
		case req := <-r.reqCh:
			req.reply <- st.handle(req)
		}
	}
}

func (x *state) handle(req request) response {
	switch req.op {
	case opRegister:
		x.everRegistered = true
		if _, ok := x.watermarks[req.id]; !ok {
			x.watermarks[req.id] = 0
		}
		return response{}

	case opUnregister:
		delete(x.watermarks, req.id)
		return response{}

	case opNextWindow:
		low := x.lowWatermark()
		start := low + 1
		if start > x.latestAvailable {
			return response{err: ingesterr.ErrNoWork}
		}
		end := start + x.batchSize - 1
		if end > x.latestAvailable {
			end = x.latestAvailable
		}
		return response{window: checkpoint.FetchWindow{Start: start, End: end}}

	case opObserveCommit:
		if cur, ok := x.watermarks[req.id]; !ok || req.seq > cur {
			x.watermarks[req.id] = req.seq
		}
		return response{}

	case opObserveLatest:
		if req.seq > x.latestAvailable {
			x.latestAvailable = req.seq
		}
		return response{}

	case opLowWatermark:
		return response{low: x.lowWatermark()}

	default:
		return response{}
	}
}

// lowWatermark returns the minimum watermark across registered pipelines.
// Before the first registration it is 0: the Broadcaster may run ahead and
// publish to subscribers that gate themselves elsewhere. Once every
// registered pipeline has unregistered it degrades to latestAvailable, so
// the Regulator reports NoWork instead of fetching with nobody to commit.
func (x *state) lowWatermark() uint64 {
	if len(x.watermarks) == 0 {
		if x.everRegistered {
			return x.latestAvailable
		}
		return 0
	}
	min := ^uint64(0)
	for _, v := range x.watermarks {
		if v < min {
			min = v
		}
	}
	return min
}

func (r *Regulator) do(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-r.closeCh:
		return response{}, context.Canceled
	case r.reqCh <- req:
	}
	select {
	case <-ctx.Done():
		return response{}, ctx.Err()
	case resp := <-req.reply:
		return resp, nil
	}
}

// Register adds id to the set of pipelines gating low_watermark, starting
// it at 0 if not already registered.
func (r *Regulator) Register(ctx context.Context, id string) error {
	_, err := r.do(ctx, request{op: opRegister, id: id})
	return err
}

// Unregister removes id from the set of pipelines gating low_watermark. A
// pipeline at the current low watermark that unregisters is excluded from
// the next NextWindow call's computation.
func (r *Regulator) Unregister(ctx context.Context, id string) error {
	_, err := r.do(ctx, request{op: opUnregister, id: id})
	return err
}

// NextWindow computes the next contiguous fetch window. It returns
// ingesterr.ErrNoWork (check with errors.Is) if start would exceed the
// latest available sequence.
func (r *Regulator) NextWindow(ctx context.Context) (checkpoint.FetchWindow, error) {
	resp, err := r.do(ctx, request{op: opNextWindow})
	if err != nil {
		return checkpoint.FetchWindow{}, err
	}
	if resp.err != nil {
		return checkpoint.FetchWindow{}, resp.err
	}
	return resp.window, nil
}

// ObserveCommit records that pipeline id has durably committed through
// seq. The pipeline's watermark only ever moves forward.
func (r *Regulator) ObserveCommit(ctx context.Context, id string, seq uint64) error {
	_, err := r.do(ctx, request{op: opObserveCommit, id: id, seq: seq})
	return err
}

// ObserveLatest records the newest sequence number known to be available
// from the DataSource.
func (r *Regulator) ObserveLatest(ctx context.Context, seq uint64) error {
	_, err := r.do(ctx, request{op: opObserveLatest, seq: seq})
	return err
}

// LowWatermark returns the current minimum watermark across registered
// pipelines, for progress reporting and tests.
func (r *Regulator) LowWatermark(ctx context.Context) (uint64, error) {
	resp, err := r.do(ctx, request{op: opLowWatermark})
	if err != nil {
		return 0, err
	}
	return resp.low, nil
}
