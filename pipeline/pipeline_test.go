package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/chainwatch/ingestkit/checkpoint"
)

// fakeSource is a minimal collab.DataSource[int] for tests in this package.
type fakeSource struct {
	mu      sync.Mutex
	latest  uint64
	invalid map[uint64]bool
	onFetch func(seq uint64) // optional hook, set before the broadcaster runs
}

func newFakeSource(latest uint64) *fakeSource {
	return &fakeSource{latest: latest, invalid: map[uint64]bool{}}
}

func (s *fakeSource) GetCheckpoint(_ context.Context, seq uint64) (checkpoint.Checkpoint[int], error) {
	if s.onFetch != nil {
		s.onFetch(seq)
	}
	return checkpoint.NewCheckpoint(seq, seq*1000, int(seq)), nil
}

func (s *fakeSource) LatestSequence(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *fakeSource) Verify(_ context.Context, cp checkpoint.Checkpoint[int]) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid[cp.Sequence()], nil
}

func (s *fakeSource) Name() string { return "fake" }

// fakeProcessor records every Process/Commit call it sees, for assertions.
type fakeProcessor struct {
	mu           sync.Mutex
	processed    []uint64
	commits      [][]int
	processDelay map[uint64]chanSignal
	processErr   map[uint64]error
	commitErr    func(seq uint64) error

	// held counts Process calls currently waiting on processDelay;
	// peakHeld is the highest value held has reached
	held     int
	peakHeld int
}

type chanSignal chan struct{}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		processDelay: map[uint64]chanSignal{},
		processErr:   map[uint64]error{},
	}
}

func (p *fakeProcessor) Process(ctx context.Context, cp checkpoint.Checkpoint[int]) (checkpoint.ProcessedRecords[int], error) {
	if sig, ok := p.processDelay[cp.Sequence()]; ok {
		p.mu.Lock()
		p.held++
		if p.held > p.peakHeld {
			p.peakHeld = p.held
		}
		p.mu.Unlock()
		var cancelled bool
		select {
		case <-sig:
		case <-ctx.Done():
			cancelled = true
		}
		p.mu.Lock()
		p.held--
		p.mu.Unlock()
		if cancelled {
			return checkpoint.ProcessedRecords[int]{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.processErr[cp.Sequence()]; ok {
		return checkpoint.ProcessedRecords[int]{}, err
	}
	p.processed = append(p.processed, cp.Sequence())
	return checkpoint.ProcessedRecords[int]{
		SourceSequence: cp.Sequence(),
		Records:        []int{cp.Payload()},
		Metrics:        checkpoint.Metrics{RecordsCreated: 1},
	}, nil
}

func (p *fakeProcessor) Commit(_ context.Context, records checkpoint.ProcessedRecords[int]) error {
	if p.commitErr != nil {
		if err := p.commitErr(records.SourceSequence); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commits = append(p.commits, append([]int(nil), records.Records...))
	return nil
}

func (p *fakeProcessor) Prune(context.Context, uint64) error { return nil }
func (p *fakeProcessor) Name() string                        { return "fake-processor" }

func (p *fakeProcessor) commitBatches() [][]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]int(nil), p.commits...)
}

var errProcessorFailed = errors.New("fakeProcessor: forced failure")
