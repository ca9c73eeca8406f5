package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/chainwatch/ingestkit/broadcast"
	"github.com/chainwatch/ingestkit/regulator"
	"github.com/chainwatch/ingestkit/watermark"
)

// TestOrdered_coldStartBatching is scenario S1: cold start, batch=3, 10
// checkpoints. Expect commits {1,2,3} {4,5,6} {7,8,9} {10}.
func TestOrdered_coldStartBatching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(10)
	reg := regulator.New(10)
	defer reg.Close()
	b := broadcast.New[int](src, reg, broadcast.WithIdlePollInterval(5*time.Millisecond))
	store := watermark.NewMemStore()
	proc := newFakeProcessor()

	p := NewOrdered[int, int]("p1", proc, store, b, reg, 3)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx) }()

	// batch=3 leaves seq 10 pending until shutdown drains it: wait for the
	// three full batches to commit and for 10 to have been processed, then
	// cancel and expect the drain to flush {10}
	deadline := time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		proc.mu.Lock()
		processed := len(proc.processed)
		proc.mu.Unlock()
		if ok && seq == 9 && processed == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watermark 9 + 10 processed, currently %d (ok=%v), %d processed", seq, ok, processed)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-runDone
	<-pipelineDone

	if seq, _, ok, _ := store.Get(context.Background(), "p1"); !ok || seq != 10 {
		t.Fatalf("final watermark = %d (ok=%v); want 10 after the shutdown drain", seq, ok)
	}

	batches := proc.commitBatches()
	want := [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10}}
	if len(batches) != len(want) {
		t.Fatalf("commit batches = %v; want %v", batches, want)
	}
	for i := range want {
		if len(batches[i]) != len(want[i]) {
			t.Fatalf("batch %d = %v; want %v", i, batches[i], want[i])
		}
		for j := range want[i] {
			if batches[i][j] != want[i][j] {
				t.Fatalf("batch %d = %v; want %v", i, batches[i], want[i])
			}
		}
	}
}

// TestOrdered_warmStart is scenario S2: WatermarkStore has P1 -> 5, source
// has 1..10. The first Process call must receive seq 6; final watermark 10.
func TestOrdered_warmStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(10)
	reg := regulator.New(10)
	defer reg.Close()
	b := broadcast.New[int](src, reg, broadcast.WithIdlePollInterval(5*time.Millisecond))
	store := watermark.NewMemStore()
	if err := store.Put(ctx, "p1", 5, 0); err != nil {
		t.Fatal(err)
	}
	proc := newFakeProcessor()

	p := NewOrdered[int, int]("p1", proc, store, b, reg, 1)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		if ok && seq == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watermark 10, currently %d", seq)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-runDone
	<-pipelineDone

	proc.mu.Lock()
	processed := append([]uint64(nil), proc.processed...)
	proc.mu.Unlock()

	if len(processed) == 0 || processed[0] != 6 {
		t.Fatalf("first processed sequence = %v; want first entry 6 (never 1..5)", processed)
	}
	for _, seq := range processed {
		if seq <= 5 {
			t.Fatalf("processed sequence %d; warm start must skip everything <= 5", seq)
		}
	}
}

// TestOrdered_pauseDrainsPartialBatch: Paused must flush a partial batch
// (committing with the max sequence so far) and Resumed must pick the
// stream back up.
func TestOrdered_pauseDrainsPartialBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(2)
	reg := regulator.New(10)
	defer reg.Close()
	b := broadcast.New[int](src, reg, broadcast.WithIdlePollInterval(5*time.Millisecond))
	store := watermark.NewMemStore()
	proc := newFakeProcessor()

	// batch=5 never fills from only 2 checkpoints; only Pause can flush it
	p := NewOrdered[int, int]("p1", proc, store, b, reg, 5)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		proc.mu.Lock()
		n := len(proc.processed)
		proc.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 2 processed checkpoints, have %d", n)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	b.Pause()

	deadline = time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		if ok && seq == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the paused drain to commit watermark 2, currently %d", seq)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	batches := proc.commitBatches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("commit batches = %v; want one drained batch of 2", batches)
	}

	// new checkpoints arrive while paused; they flow again after Resume and
	// a second Pause drains them too
	src.mu.Lock()
	src.latest = 4
	src.mu.Unlock()
	b.Resume()

	deadline = time.After(2 * time.Second)
	for {
		proc.mu.Lock()
		n := len(proc.processed)
		proc.mu.Unlock()
		if n == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 4 processed checkpoints after Resume, have %d", n)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	b.Pause()

	deadline = time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		if ok && seq == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watermark 4 after the second drain, currently %d", seq)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-runDone
	<-pipelineDone
}

// TestOrdered_pauseMidWindowLosesNothing pauses from inside the fetch of
// seq 3, while the window {1..5} is still being published. The checkpoint
// in flight when the pause lands must still be delivered before Paused and
// committed by the drain; everything unfetched must arrive after Resume.
// No sequence may be skipped or processed twice.
func TestOrdered_pauseMidWindowLosesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(5)
	reg := regulator.New(5)
	defer reg.Close()
	b := broadcast.New[int](src, reg, broadcast.WithIdlePollInterval(5*time.Millisecond))
	src.onFetch = func(seq uint64) {
		if seq == 3 {
			b.Pause()
		}
	}
	store := watermark.NewMemStore()
	proc := newFakeProcessor()

	p := NewOrdered[int, int]("p1", proc, store, b, reg, 2)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx) }()

	// {1,2} commits at batch size; 3 is in flight when the pause lands, so
	// the drain must commit {3} and the watermark must settle at 3
	deadline := time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		if ok && seq == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the paused drain to commit watermark 3, currently %d", seq)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	b.Resume()

	deadline = time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		if ok && seq == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watermark 5 after Resume, currently %d", seq)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-runDone
	<-pipelineDone

	batches := proc.commitBatches()
	want := [][]int{{1, 2}, {3}, {4, 5}}
	if len(batches) != len(want) {
		t.Fatalf("commit batches = %v; want %v", batches, want)
	}
	for i := range want {
		if len(batches[i]) != len(want[i]) {
			t.Fatalf("batch %d = %v; want %v", i, batches[i], want[i])
		}
		for j := range want[i] {
			if batches[i][j] != want[i][j] {
				t.Fatalf("batch %d = %v; want %v", i, batches[i], want[i])
			}
		}
	}

	proc.mu.Lock()
	processed := append([]uint64(nil), proc.processed...)
	proc.mu.Unlock()
	seen := map[uint64]int{}
	for _, seq := range processed {
		seen[seq]++
	}
	for seq := uint64(1); seq <= 5; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("processed = %v; want each of 1..5 exactly once", processed)
		}
	}
}

// TestOrdered_verifyFailureSkipsForever is scenario S4: verify fails only
// for seq 5; the pipeline's committed records must contain nothing for 5,
// and the watermark must advance past it.
func TestOrdered_verifyFailureSkipsForever(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(8)
	src.invalid[5] = true
	reg := regulator.New(8)
	defer reg.Close()
	b := broadcast.New[int](src, reg, broadcast.WithIdlePollInterval(5*time.Millisecond))
	store := watermark.NewMemStore()
	proc := newFakeProcessor()

	p := NewOrdered[int, int]("p1", proc, store, b, reg, 1)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		if ok && seq == 8 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watermark 8, currently %d", seq)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-runDone
	<-pipelineDone

	batches := proc.commitBatches()
	for _, batch := range batches {
		for _, v := range batch {
			if v == 5 {
				t.Fatalf("seq 5 appears in a committed batch despite failing verify: %v", batches)
			}
		}
	}
	if p.ErrorCount() == 0 {
		t.Fatal("ErrorCount should have incremented for the invalid checkpoint")
	}
}

// TestOrdered_batchSizeOne is the batch_size=1 boundary: the watermark
// advances by exactly 1 per commit.
func TestOrdered_batchSizeOne(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(3)
	reg := regulator.New(3)
	defer reg.Close()
	b := broadcast.New[int](src, reg, broadcast.WithIdlePollInterval(5*time.Millisecond))
	store := watermark.NewMemStore()
	proc := newFakeProcessor()

	p := NewOrdered[int, int]("p1", proc, store, b, reg, 1)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		seq, _, ok, _ := store.Get(ctx, "p1")
		if ok && seq == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watermark 3, currently %d", seq)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-runDone
	<-pipelineDone

	batches := proc.commitBatches()
	if len(batches) != 3 {
		t.Fatalf("commit batches = %v; want 3 single-record batches", batches)
	}
	for _, batch := range batches {
		if len(batch) != 1 {
			t.Fatalf("batch %v; want exactly one record", batch)
		}
	}
}
