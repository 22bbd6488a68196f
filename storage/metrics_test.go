package storage

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestMetricsCreation(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("Metrics should not be nil")
	}

	if m.GetCacheHits() != 0 || m.GetCacheMisses() != 0 || m.GetOpsStarted() != 0 {
		t.Error("Counters should start at 0")
	}
}

func TestCacheMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordPageEviction()
	m.RecordPageEviction()
	m.RecordDirtyPageFlush()
	m.RecordWriteBackHit()
	m.RecordFlushFailure()
	m.RecordPinnedOverflow()

	if m.GetCacheHits() != 2 {
		t.Errorf("Expected 2 cache hits, got %d", m.GetCacheHits())
	}
	if m.GetCacheMisses() != 1 {
		t.Errorf("Expected 1 cache miss, got %d", m.GetCacheMisses())
	}
	hitRate := m.GetCacheHitRate()
	if hitRate < 0.66 || hitRate > 0.67 {
		t.Errorf("Expected hit rate 0.67, got %.2f", hitRate)
	}
	if m.GetPageEvictions() != 2 {
		t.Errorf("Expected 2 page evictions, got %d", m.GetPageEvictions())
	}
	if m.GetDirtyPageFlushes() != 1 {
		t.Errorf("Expected 1 dirty page flush, got %d", m.GetDirtyPageFlushes())
	}
	if m.GetWriteBackHits() != 1 || m.GetFlushFailures() != 1 || m.GetPinnedOverflows() != 1 {
		t.Error("Write-back, failure and overflow counters should be 1")
	}
}

func TestAtomicOperationMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordOpStart()
	m.RecordOpStart()
	m.RecordOpStart()
	m.RecordOpCommit()
	m.RecordOpCommit()
	m.RecordOpRollback()

	if m.GetOpsStarted() != 3 {
		t.Errorf("Expected 3 operations started, got %d", m.GetOpsStarted())
	}
	if m.GetOpsCommitted() != 2 {
		t.Errorf("Expected 2 operations committed, got %d", m.GetOpsCommitted())
	}
	if m.GetOpsRolledBack() != 1 {
		t.Errorf("Expected 1 operation rolled back, got %d", m.GetOpsRolledBack())
	}
}

func TestJournalMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordJournalRecord(100)
	m.RecordJournalRecord(50)
	m.RecordReplayedPages(1)
	m.RecordCheckpoint()

	if m.GetJournalRecords() != 2 {
		t.Errorf("Expected 2 journal records, got %d", m.GetJournalRecords())
	}
	if m.GetReplayedPages() != 1 {
		t.Errorf("Expected 1 replayed page, got %d", m.GetReplayedPages())
	}
	if m.GetCheckpoints() != 1 {
		t.Errorf("Expected 1 checkpoint, got %d", m.GetCheckpoints())
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	if uptime := m.GetUptime(); uptime < 10*time.Millisecond {
		t.Errorf("Expected uptime >= 10ms, got %v", uptime)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordOpStart()
	m.RecordJournalRecord(10)

	m.Reset()

	if m.GetCacheHits() != 0 || m.GetCacheMisses() != 0 {
		t.Error("Cache counters should be 0 after reset")
	}
	if m.GetOpsStarted() != 0 || m.GetJournalRecords() != 0 {
		t.Error("Operation and journal counters should be 0 after reset")
	}
}

func TestMetricsLogging(t *testing.T) {
	m := NewMetrics()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordOpStart()
	m.RecordOpCommit()
	m.RecordDirtyPageFlush()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m.LogMetrics(logger)

	out := buf.String()
	for _, want := range []string{"cache.hits=1", "atomic_operations.committed=1", "cache.written=\"4.0 KiB\""} {
		if !strings.Contains(out, want) {
			t.Errorf("Log output missing %s: %s", want, out)
		}
	}
}

func TestCacheHitRateEdgeCases(t *testing.T) {
	m := NewMetrics()

	if m.GetCacheHitRate() != 0.0 {
		t.Errorf("Expected 0.0 hit rate with no operations, got %.2f", m.GetCacheHitRate())
	}

	m.RecordCacheHit()
	m.RecordCacheHit()
	if m.GetCacheHitRate() != 1.0 {
		t.Errorf("Expected 1.0 hit rate with only hits, got %.2f", m.GetCacheHitRate())
	}

	m.Reset()
	m.RecordCacheMiss()
	m.RecordCacheMiss()
	if m.GetCacheHitRate() != 0.0 {
		t.Errorf("Expected 0.0 hit rate with only misses, got %.2f", m.GetCacheHitRate())
	}
}
