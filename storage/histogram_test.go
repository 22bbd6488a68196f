package storage

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestHistogramBasic(t *testing.T) {
	h := NewHistogram(100)

	for _, s := range []float64{40, 10, 30, 20, 100, 60, 50, 90, 80, 70} {
		h.Record(s)
	}

	if h.Count() != 10 {
		t.Errorf("Expected count 10, got %d", h.Count())
	}
	if h.Min() != 10 {
		t.Errorf("Expected min 10, got %.2f", h.Min())
	}
	if h.Max() != 100 {
		t.Errorf("Expected max 100, got %.2f", h.Max())
	}
	if math.Abs(h.Mean()-55) > 0.001 {
		t.Errorf("Expected mean 55, got %.2f", h.Mean())
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram(1000)
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}

	tests := []struct {
		percentile float64
		expected   float64
	}{
		{0, 1},
		{50, 50.5},
		{95, 95.05},
		{99, 99.01},
		{100, 100},
	}

	for _, tt := range tests {
		got := h.Percentile(tt.percentile)
		if math.Abs(got-tt.expected) > 0.001 {
			t.Errorf("P%.1f: expected %.2f, got %.2f", tt.percentile, tt.expected, got)
		}
	}
}

func TestHistogramRingKeepsNewestSamples(t *testing.T) {
	h := NewHistogram(5)

	for i := 1; i <= 12; i++ {
		h.Record(float64(i))
	}

	if h.Count() != 5 {
		t.Errorf("Expected count 5 (at capacity), got %d", h.Count())
	}
	// 8..12 survive
	if h.Min() != 8 {
		t.Errorf("Expected min 8, got %.2f", h.Min())
	}
	if h.Max() != 12 {
		t.Errorf("Expected max 12, got %.2f", h.Max())
	}
	if h.Mean() != 10 {
		t.Errorf("Expected mean 10, got %.2f", h.Mean())
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram(100)

	if h.Count() != 0 || h.Min() != 0 || h.Max() != 0 || h.Mean() != 0 || h.Percentile(50) != 0 {
		t.Error("Empty histogram should report zeros")
	}
	if s := h.Snapshot(); s != (HistogramSnapshot{}) {
		t.Errorf("Expected zero snapshot, got %+v", s)
	}
}

func TestHistogramSnapshot(t *testing.T) {
	h := NewHistogram(100)
	for i := 100; i >= 1; i-- {
		h.Record(float64(i))
	}

	snapshot := h.Snapshot()

	if snapshot.Count != 100 {
		t.Errorf("Expected count 100, got %d", snapshot.Count)
	}
	if snapshot.Min != 1 || snapshot.Max != 100 {
		t.Errorf("Expected min 1 and max 100, got %.2f and %.2f", snapshot.Min, snapshot.Max)
	}
	if math.Abs(snapshot.Mean-50.5) > 0.001 {
		t.Errorf("Expected mean 50.5, got %.2f", snapshot.Mean)
	}
	if snapshot.P50 != h.Percentile(50) || snapshot.P99 != h.Percentile(99) {
		t.Error("Snapshot percentiles should match Percentile")
	}
}

func TestHistogramReset(t *testing.T) {
	h := NewHistogram(4)
	for i := 1; i <= 6; i++ {
		h.Record(float64(i))
	}

	h.Reset()
	if h.Count() != 0 {
		t.Errorf("Expected count 0 after reset, got %d", h.Count())
	}

	h.Record(7)
	if h.Count() != 1 || h.Min() != 7 {
		t.Errorf("Histogram should be reusable after reset")
	}
}

func TestMetricsLatencyRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordPageFetchLatency(100 * time.Microsecond)
	m.RecordPageFetchLatency(200 * time.Microsecond)
	m.RecordPageFetchLatency(300 * time.Microsecond)
	m.RecordPageFlushLatency(1000 * time.Microsecond)
	m.RecordCommitLatency(500 * time.Microsecond)

	fetch := m.GetPageFetchLatency()
	if fetch.Count != 3 || fetch.Min != 100 || fetch.Max != 300 || fetch.Mean != 200 {
		t.Errorf("Page fetch histogram incorrect: %+v", fetch)
	}

	flush := m.GetPageFlushLatency()
	if flush.Count != 1 || flush.Mean != 1000 {
		t.Errorf("Page flush histogram incorrect: %+v", flush)
	}

	commit := m.GetCommitLatency()
	if commit.Count != 1 || commit.Mean != 500 {
		t.Errorf("Commit histogram incorrect: %+v", commit)
	}

	m.Reset()
	if m.GetPageFetchLatency().Count != 0 || m.GetCommitLatency().Count != 0 {
		t.Error("Reset should clear the histograms")
	}
}

func TestHistogramConcurrency(t *testing.T) {
	h := NewHistogram(10000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Record(float64(id*100 + j))
			}
		}(i)
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Snapshot()
			_ = h.Percentile(95)
		}()
	}
	wg.Wait()

	if h.Count() != 1000 {
		t.Errorf("Expected 1000 samples from concurrent writes, got %d", h.Count())
	}
}

func BenchmarkHistogramRecord(b *testing.B) {
	h := NewHistogram(10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Record(float64(i % 1000))
	}
}

func BenchmarkHistogramSnapshot(b *testing.B) {
	h := NewHistogram(10000)
	for i := 0; i < 10000; i++ {
		h.Record(float64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = h.Snapshot()
	}
}
