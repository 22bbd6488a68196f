package storage

import (
	"sync"
	"sync/atomic"
	"time"
)

// commitRequest is one journal record waiting for its batch to be synced
type commitRequest struct {
	frame    []byte
	response chan error
}

// groupCommitter batches concurrent journal appends into a single write and
// fsync. The first request of a batch waits at most maxBatchDelay for others.
type groupCommitter struct {
	journal *Journal

	maxBatchSize  int
	maxBatchDelay time.Duration

	// mu keeps shutdown from closing the queue while a request is being queued.
	mu         sync.RWMutex
	closed     bool
	commitCh   chan *commitRequest
	shutdownCh chan struct{}

	totalCommits atomic.Uint64
	totalBatches atomic.Uint64

	wg sync.WaitGroup
}

// GroupCommitStats contains statistics about group commit performance
type GroupCommitStats struct {
	TotalCommits     uint64
	TotalBatches     uint64
	AverageBatchSize float64
}

func newGroupCommitter(j *Journal, maxBatchSize int, maxBatchDelay time.Duration) *groupCommitter {
	if maxBatchSize <= 0 {
		maxBatchSize = 64
	}
	if maxBatchDelay <= 0 {
		maxBatchDelay = time.Millisecond
	}
	g := &groupCommitter{
		journal:       j,
		maxBatchSize:  maxBatchSize,
		maxBatchDelay: maxBatchDelay,
		commitCh:      make(chan *commitRequest, maxBatchSize),
		shutdownCh:    make(chan struct{}),
	}
	g.wg.Add(1)
	go g.worker()
	return g
}

// commit queues a frame and waits until it is durable
func (g *groupCommitter) commit(frame []byte) error {
	req := &commitRequest{frame: frame, response: make(chan error, 1)}

	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return ErrClosed
	}
	g.commitCh <- req
	g.mu.RUnlock()

	g.totalCommits.Add(1)
	return <-req.response
}

func (g *groupCommitter) worker() {
	defer g.wg.Done()

	batch := make([]*commitRequest, 0, g.maxBatchSize)
	timer := time.NewTimer(g.maxBatchDelay)
	timer.Stop()

	for {
		select {
		case req := <-g.commitCh:
			batch = append(batch[:0], req)
			timer.Reset(g.maxBatchDelay)
		collect:
			for len(batch) < g.maxBatchSize {
				select {
				case req := <-g.commitCh:
					batch = append(batch, req)
				case <-timer.C:
					break collect
				}
			}
			timer.Stop()
			g.flushBatch(batch)

		case <-g.shutdownCh:
			// Nothing is queued after shutdown; write what is left.
			batch = batch[:0]
			for len(g.commitCh) > 0 {
				batch = append(batch, <-g.commitCh)
			}
			if len(batch) > 0 {
				g.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch persists every frame of the batch with a single fsync
func (g *groupCommitter) flushBatch(batch []*commitRequest) {
	g.totalBatches.Add(1)

	frames := make([][]byte, len(batch))
	for i, req := range batch {
		frames[i] = req.frame
	}
	err := g.journal.writeFrames(frames...)
	for _, req := range batch {
		req.response <- err
	}
}

func (g *groupCommitter) shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.shutdownCh)
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *groupCommitter) stats() GroupCommitStats {
	commits := g.totalCommits.Load()
	batches := g.totalBatches.Load()
	avg := float64(0)
	if batches > 0 {
		avg = float64(commits) / float64(batches)
	}
	return GroupCommitStats{
		TotalCommits:     commits,
		TotalBatches:     batches,
		AverageBatchSize: avg,
	}
}
