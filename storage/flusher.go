package storage

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FlushTarget is the cache state the flusher reads and drains.
type FlushTarget interface {
	DirtyPageCount() int
	MaxSize() int
	DirtyPages(limit int) []PageIdentity
	WriteBack(id PageIdentity) error
}

// BackgroundFlusher writes dirty pages back ahead of eviction and checkpoints.
//
// Every CheckInterval it compares the dirty share of the cache against
// TargetDirtyRatio and lets a PID controller choose how many pages to write
// during that cycle. Above MaxDirtyRatio it writes MaxFlushPages per cycle.
// With a checkpoint function and a CheckpointInterval it also checkpoints
// periodically, which keeps the journal short.
type BackgroundFlusher struct {
	target     FlushTarget
	checkpoint func() error
	logger     *slog.Logger

	config FlusherConfig

	running       atomic.Bool
	flushesIssued atomic.Uint64
	pagesFlushed  atomic.Uint64

	// PID controller state (protected by mutex)
	mu             sync.Mutex
	integral       float64
	lastDeviation  float64
	lastFlushRate  float64
	lastCheckpoint time.Time
	stats          FlusherStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// FlusherConfig contains configuration for background flushing
type FlusherConfig struct {
	// Dirty share of the cache the controller steers towards (0.0 - 1.0)
	TargetDirtyRatio float64
	// Dirty share above which every cycle writes MaxFlushPages (0.0 - 1.0)
	MaxDirtyRatio float64

	CheckInterval time.Duration
	MinFlushPages int
	MaxFlushPages int

	// PID controller gains
	Kp float64
	Ki float64
	Kd float64

	// Zero disables periodic checkpoints.
	CheckpointInterval time.Duration
}

// FlusherStats contains statistics about background flushing
type FlusherStats struct {
	FlushesIssued  uint64
	PagesFlushed   uint64
	Checkpoints    uint64
	CurrentRate    float64 // Pages per cycle
	DirtyRatio     float64
	AvgFlushTime   time.Duration
	LastAdjustment time.Time
}

// DefaultFlusherConfig returns default configuration
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		TargetDirtyRatio:   0.60,
		MaxDirtyRatio:      0.80,
		CheckInterval:      100 * time.Millisecond,
		MinFlushPages:      8,
		MaxFlushPages:      128,
		Kp:                 2.0,
		Ki:                 0.5,
		Kd:                 0.1,
		CheckpointInterval: 30 * time.Second,
	}
}

// NewBackgroundFlusher creates a flusher. checkpoint may be nil.
func NewBackgroundFlusher(target FlushTarget, config FlusherConfig, checkpoint func() error, logger *slog.Logger) *BackgroundFlusher {
	defaults := DefaultFlusherConfig()
	if config.TargetDirtyRatio <= 0 || config.TargetDirtyRatio >= 1 {
		config.TargetDirtyRatio = defaults.TargetDirtyRatio
	}
	if config.MaxDirtyRatio <= config.TargetDirtyRatio || config.MaxDirtyRatio >= 1 {
		config.MaxDirtyRatio = max(defaults.MaxDirtyRatio, (config.TargetDirtyRatio+1)/2)
	}
	if config.CheckInterval < time.Millisecond {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.MinFlushPages < 1 {
		config.MinFlushPages = defaults.MinFlushPages
	}
	if config.MaxFlushPages < config.MinFlushPages {
		config.MaxFlushPages = config.MinFlushPages
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &BackgroundFlusher{
		target:         target,
		checkpoint:     checkpoint,
		logger:         logger,
		config:         config,
		lastFlushRate:  float64(config.MinFlushPages),
		lastCheckpoint: time.Now(),
	}
}

// Start starts the flusher goroutine
func (f *BackgroundFlusher) Start() error {
	if !f.running.CompareAndSwap(false, true) {
		return fmt.Errorf("background flusher already running")
	}
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.flushLoop(f.stopCh, f.doneCh)
	return nil
}

// Stop stops the flusher and waits for the running cycle to finish
func (f *BackgroundFlusher) Stop() {
	if !f.running.Load() {
		return
	}
	close(f.stopCh)
	<-f.doneCh
	f.running.Store(false)
}

func (f *BackgroundFlusher) flushLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(f.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			f.runCycle()
		}
	}
}

// runCycle performs one iteration of flushing and, when due, a checkpoint
func (f *BackgroundFlusher) runCycle() {
	if f.checkpointDue() {
		if err := f.checkpoint(); err != nil {
			f.logger.Warn("periodic checkpoint failed", "error", err)
		} else {
			f.mu.Lock()
			f.lastCheckpoint = time.Now()
			f.stats.Checkpoints++
			f.mu.Unlock()
		}
		return
	}

	capacity := f.target.MaxSize()
	if capacity == 0 {
		return
	}
	dirtyRatio := float64(f.target.DirtyPageCount()) / float64(capacity)

	flushPages := f.calculateFlushRate(dirtyRatio-f.config.TargetDirtyRatio, dirtyRatio)
	if flushPages == 0 {
		return
	}

	start := time.Now()
	flushed := f.flushDirtyPages(flushPages)
	elapsed := time.Since(start)

	f.flushesIssued.Add(1)
	f.pagesFlushed.Add(uint64(flushed))

	f.mu.Lock()
	f.stats.FlushesIssued = f.flushesIssued.Load()
	f.stats.PagesFlushed = f.pagesFlushed.Load()
	f.stats.CurrentRate = f.lastFlushRate
	f.stats.DirtyRatio = dirtyRatio
	f.stats.LastAdjustment = time.Now()
	if f.stats.AvgFlushTime == 0 {
		f.stats.AvgFlushTime = elapsed
	} else {
		f.stats.AvgFlushTime = time.Duration(0.9*float64(f.stats.AvgFlushTime) + 0.1*float64(elapsed))
	}
	f.mu.Unlock()
}

func (f *BackgroundFlusher) checkpointDue() bool {
	if f.checkpoint == nil || f.config.CheckpointInterval <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastCheckpoint) >= f.config.CheckpointInterval
}

// calculateFlushRate turns the deviation from the target dirty ratio into a
// page count for this cycle. Zero while the cache is below the target.
func (f *BackgroundFlusher) calculateFlushRate(deviation, dirtyRatio float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Anti-windup
	const maxIntegral = 10.0
	f.integral = min(max(f.integral+deviation, -maxIntegral), maxIntegral)

	derivative := deviation - f.lastDeviation
	f.lastDeviation = deviation

	output := f.config.Kp*deviation + f.config.Ki*f.integral + f.config.Kd*derivative
	if dirtyRatio >= f.config.MaxDirtyRatio {
		output = float64(f.config.MaxFlushPages)
	}

	minPages, maxPages := float64(f.config.MinFlushPages), float64(f.config.MaxFlushPages)
	rate := min(max(minPages+output*(maxPages-minPages), minPages), maxPages)
	if dirtyRatio < f.config.TargetDirtyRatio {
		rate = 0
	}
	f.lastFlushRate = rate
	return int(rate)
}

// flushDirtyPages writes up to maxPages dirty pages and returns how many it wrote.
func (f *BackgroundFlusher) flushDirtyPages(maxPages int) int {
	flushed := 0
	for _, id := range f.target.DirtyPages(maxPages) {
		if err := f.target.WriteBack(id); err != nil {
			f.logger.Debug("background write-back failed", "page", id.String(), "error", err)
			continue
		}
		flushed++
	}
	return flushed
}

// TriggerFlush runs one write-back pass outside the schedule.
func (f *BackgroundFlusher) TriggerFlush(maxPages int) int {
	if maxPages <= 0 {
		maxPages = f.config.MaxFlushPages
	}
	return f.flushDirtyPages(maxPages)
}

func (f *BackgroundFlusher) Stats() FlusherStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *BackgroundFlusher) IsRunning() bool {
	return f.running.Load()
}

func (f *BackgroundFlusher) Config() FlusherConfig {
	return f.config
}
