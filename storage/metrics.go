package storage

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Histogram keeps the most recent latency samples in a ring and answers
// percentile queries over them.
type Histogram struct {
	mu      sync.Mutex
	ring    []float64 // Latencies in microseconds
	next    int       // Slot the next sample goes to once the ring is full
	maxSize int
}

// NewHistogram creates a histogram retaining at most maxSize samples.
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Histogram{
		ring:    make([]float64, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a latency sample (in microseconds), replacing the oldest one
// when the ring is full.
func (h *Histogram) Record(latencyUs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.ring) < h.maxSize {
		h.ring = append(h.ring, latencyUs)
		return
	}
	h.ring[h.next] = latencyUs
	h.next = (h.next + 1) % h.maxSize
}

// sorted returns a sorted copy of the retained samples.
func (h *Histogram) sorted() []float64 {
	h.mu.Lock()
	s := slices.Clone(h.ring)
	h.mu.Unlock()
	slices.Sort(s)
	return s
}

// percentile interpolates linearly between the two closest ranks of s.
func percentile(s []float64, p float64) float64 {
	if len(s) == 0 {
		return 0
	}
	rank := (p / 100.0) * float64(len(s)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return s[lower]
	}
	weight := rank - float64(lower)
	return s[lower]*(1-weight) + s[upper]*weight
}

// Percentile calculates the given percentile (0-100)
func (h *Histogram) Percentile(p float64) float64 {
	return percentile(h.sorted(), p)
}

func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range h.ring {
		sum += v
	}
	return sum / float64(len(h.ring))
}

func (h *Histogram) Min() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return 0
	}
	return slices.Min(h.ring)
}

func (h *Histogram) Max() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return 0
	}
	return slices.Max(h.ring)
}

func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}

// Reset clears all samples
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = h.ring[:0]
	h.next = 0
}

// HistogramSnapshot holds summary statistics of a histogram
type HistogramSnapshot struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64 // Median
	P95   float64
	P99   float64
	P999  float64
}

// Snapshot captures the statistics from a single sorted copy.
func (h *Histogram) Snapshot() HistogramSnapshot {
	s := h.sorted()
	if len(s) == 0 {
		return HistogramSnapshot{}
	}
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return HistogramSnapshot{
		Count: len(s),
		Min:   s[0],
		Max:   s[len(s)-1],
		Mean:  sum / float64(len(s)),
		P50:   percentile(s, 50),
		P95:   percentile(s, 95),
		P99:   percentile(s, 99),
		P999:  percentile(s, 99.9),
	}
}

// Metrics tracks cache, atomic operation and journal counters
type Metrics struct {
	// Cache Metrics
	cacheHits        atomic.Uint64
	cacheMisses      atomic.Uint64
	pageEvictions    atomic.Uint64
	dirtyPageFlushes atomic.Uint64
	writeBackHits    atomic.Uint64
	flushFailures    atomic.Uint64
	pinnedOverflows  atomic.Uint64
	bytesRead        atomic.Uint64
	bytesWritten     atomic.Uint64

	// Atomic Operation Metrics
	opsStarted    atomic.Uint64
	opsCommitted  atomic.Uint64
	opsRolledBack atomic.Uint64

	// Journal Metrics
	journalRecords atomic.Uint64
	journalBytes   atomic.Uint64
	replayedPages  atomic.Uint64
	checkpoints    atomic.Uint64

	// Latency Histograms (microseconds)
	pageFetchLatency *Histogram // Pin latency on a miss
	pageFlushLatency *Histogram // Single page write-back latency
	commitLatency    *Histogram // Atomic operation commit latency

	startTime time.Time
	mu        sync.RWMutex
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:        time.Now(),
		pageFetchLatency: NewHistogram(10000),
		pageFlushLatency: NewHistogram(10000),
		commitLatency:    NewHistogram(10000),
	}
}

// Cache Metrics

func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

func (m *Metrics) RecordPageEviction() {
	m.pageEvictions.Add(1)
}

func (m *Metrics) RecordDirtyPageFlush() {
	m.dirtyPageFlushes.Add(1)
	m.bytesWritten.Add(PageSize)
}

func (m *Metrics) RecordWriteBackHit() {
	m.writeBackHits.Add(1)
}

func (m *Metrics) RecordFlushFailure() {
	m.flushFailures.Add(1)
}

func (m *Metrics) RecordPinnedOverflow() {
	m.pinnedOverflows.Add(1)
}

func (m *Metrics) RecordPageRead() {
	m.bytesRead.Add(PageSize)
}

// Atomic Operation Metrics

func (m *Metrics) RecordOpStart() {
	m.opsStarted.Add(1)
}

func (m *Metrics) RecordOpCommit() {
	m.opsCommitted.Add(1)
}

func (m *Metrics) RecordOpRollback() {
	m.opsRolledBack.Add(1)
}

// Journal Metrics

func (m *Metrics) RecordJournalRecord(size int) {
	m.journalRecords.Add(1)
	m.journalBytes.Add(uint64(size))
}

func (m *Metrics) RecordReplayedPages(n int) {
	m.replayedPages.Add(uint64(n))
}

func (m *Metrics) RecordCheckpoint() {
	m.checkpoints.Add(1)
}

// Latency Recording Methods

// RecordPageFetchLatency records the latency of a page fetch operation
func (m *Metrics) RecordPageFetchLatency(duration time.Duration) {
	m.pageFetchLatency.Record(float64(duration.Microseconds()))
}

// RecordPageFlushLatency records the latency of a page flush operation
func (m *Metrics) RecordPageFlushLatency(duration time.Duration) {
	m.pageFlushLatency.Record(float64(duration.Microseconds()))
}

// RecordCommitLatency records the latency of an atomic operation commit
func (m *Metrics) RecordCommitLatency(duration time.Duration) {
	m.commitLatency.Record(float64(duration.Microseconds()))
}

// Getters

func (m *Metrics) GetCacheHits() uint64 {
	return m.cacheHits.Load()
}

func (m *Metrics) GetCacheMisses() uint64 {
	return m.cacheMisses.Load()
}

func (m *Metrics) GetCacheHitRate() float64 {
	hits := m.cacheHits.Load()
	misses := m.cacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

func (m *Metrics) GetPageEvictions() uint64 {
	return m.pageEvictions.Load()
}

func (m *Metrics) GetDirtyPageFlushes() uint64 {
	return m.dirtyPageFlushes.Load()
}

func (m *Metrics) GetWriteBackHits() uint64 {
	return m.writeBackHits.Load()
}

func (m *Metrics) GetFlushFailures() uint64 {
	return m.flushFailures.Load()
}

func (m *Metrics) GetPinnedOverflows() uint64 {
	return m.pinnedOverflows.Load()
}

func (m *Metrics) GetOpsStarted() uint64 {
	return m.opsStarted.Load()
}

func (m *Metrics) GetOpsCommitted() uint64 {
	return m.opsCommitted.Load()
}

func (m *Metrics) GetOpsRolledBack() uint64 {
	return m.opsRolledBack.Load()
}

func (m *Metrics) GetJournalRecords() uint64 {
	return m.journalRecords.Load()
}

func (m *Metrics) GetReplayedPages() uint64 {
	return m.replayedPages.Load()
}

func (m *Metrics) GetCheckpoints() uint64 {
	return m.checkpoints.Load()
}

func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// Histogram Getters

// GetPageFetchLatency returns snapshot of page fetch latency distribution
func (m *Metrics) GetPageFetchLatency() HistogramSnapshot {
	return m.pageFetchLatency.Snapshot()
}

// GetPageFlushLatency returns snapshot of page flush latency distribution
func (m *Metrics) GetPageFlushLatency() HistogramSnapshot {
	return m.pageFlushLatency.Snapshot()
}

// GetCommitLatency returns snapshot of commit latency distribution
func (m *Metrics) GetCommitLatency() HistogramSnapshot {
	return m.commitLatency.Snapshot()
}

// LogMetrics logs all metrics using structured logging
func (m *Metrics) LogMetrics(logger *slog.Logger) {
	pageFetch := m.GetPageFetchLatency()
	pageFlush := m.GetPageFlushLatency()
	commit := m.GetCommitLatency()

	logger.Info("Storage Metrics",
		slog.Group("cache",
			slog.Uint64("hits", m.GetCacheHits()),
			slog.Uint64("misses", m.GetCacheMisses()),
			slog.Float64("hit_rate", m.GetCacheHitRate()),
			slog.Uint64("evictions", m.GetPageEvictions()),
			slog.Uint64("dirty_flushes", m.GetDirtyPageFlushes()),
			slog.Uint64("write_back_hits", m.GetWriteBackHits()),
			slog.Uint64("flush_failures", m.GetFlushFailures()),
			slog.Uint64("pinned_overflows", m.GetPinnedOverflows()),
			slog.String("read", humanize.IBytes(m.bytesRead.Load())),
			slog.String("written", humanize.IBytes(m.bytesWritten.Load())),
		),
		slog.Group("atomic_operations",
			slog.Uint64("started", m.GetOpsStarted()),
			slog.Uint64("committed", m.GetOpsCommitted()),
			slog.Uint64("rolled_back", m.GetOpsRolledBack()),
		),
		slog.Group("journal",
			slog.Uint64("records", m.GetJournalRecords()),
			slog.String("size", humanize.IBytes(m.journalBytes.Load())),
			slog.Uint64("replayed_pages", m.GetReplayedPages()),
			slog.Uint64("checkpoints", m.GetCheckpoints()),
		),
		slog.Group("latency_us",
			slog.Group("page_fetch",
				slog.Int("count", pageFetch.Count),
				slog.Float64("mean", pageFetch.Mean),
				slog.Float64("p50", pageFetch.P50),
				slog.Float64("p95", pageFetch.P95),
				slog.Float64("p99", pageFetch.P99),
			),
			slog.Group("page_flush",
				slog.Int("count", pageFlush.Count),
				slog.Float64("mean", pageFlush.Mean),
				slog.Float64("p95", pageFlush.P95),
				slog.Float64("p99", pageFlush.P99),
			),
			slog.Group("commit",
				slog.Int("count", commit.Count),
				slog.Float64("mean", commit.Mean),
				slog.Float64("p95", commit.P95),
				slog.Float64("p99", commit.P99),
			),
		),
		slog.Duration("uptime", m.GetUptime()),
	)
}

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.cacheHits, &m.cacheMisses, &m.pageEvictions, &m.dirtyPageFlushes,
		&m.writeBackHits, &m.flushFailures, &m.pinnedOverflows, &m.bytesRead, &m.bytesWritten,
		&m.opsStarted, &m.opsCommitted, &m.opsRolledBack,
		&m.journalRecords, &m.journalBytes, &m.replayedPages, &m.checkpoints,
	} {
		c.Store(0)
	}

	m.pageFetchLatency.Reset()
	m.pageFlushLatency.Reset()
	m.commitLatency.Reset()

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}
