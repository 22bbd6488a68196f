package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

const journalFileName = "journal.log"

// Storage wires the data files, the buffer cache, the journal and the atomic
// operation manager of one data directory.
type Storage struct {
	config  *Config
	files   *FileManager
	cache   *BufferCache
	journal *Journal
	ops     *AtomicOperationManager
	flusher *BackgroundFlusher // nil when background flushing is off
	metrics *Metrics
	logger  *slog.Logger
}

// Open opens a data directory, replaying the journal if the previous
// process did not shut down cleanly. A nil logger logs to stderr at the
// configured level.
func Open(cfg *Config, logger *slog.Logger) (*Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		l, err := cfg.NewLogger(os.Stderr)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	pages, err := cfg.CachePages()
	if err != nil {
		return nil, err
	}

	files, err := NewFileManager(cfg.DataDirectory)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		config:  cfg.Clone(),
		files:   files,
		metrics: NewMetrics(),
		logger:  logger,
	}

	if cfg.JournalEnabled {
		codec, _ := ParseJournalCodec(cfg.JournalCompression)
		s.journal, err = OpenJournal(filepath.Join(cfg.DataDirectory, journalFileName), codec, s.metrics, logger)
		if err != nil {
			files.Close()
			return nil, err
		}
		if err := s.recover(); err != nil {
			s.closeFailedOpen()
			return nil, err
		}
	}

	s.cache, err = NewBufferCache(files, BufferCacheOptions{
		MaxPages:           pages,
		EvictionPolicy:     cfg.EvictionPolicy,
		EdenPercent:        cfg.EdenPercent,
		ProtectionPercent:  cfg.ProtectionPercent,
		SketchSampleFactor: cfg.SketchSampleFactor,
		FlushWorkers:       cfg.FlushWorkers,
		Metrics:            s.metrics,
		Logger:             logger,
	})
	if err != nil {
		s.closeFailedOpen()
		return nil, err
	}
	s.ops = NewAtomicOperationManager(s.cache, s.journal, logger)

	if s.journal != nil && cfg.JournalGroupCommit {
		delay, _ := parseDuration("journal batch delay", cfg.JournalBatchDelay)
		s.journal.EnableGroupCommit(cfg.JournalBatchSize, delay)
	}
	if cfg.BackgroundFlush {
		s.flusher = NewBackgroundFlusher(s.cache, cfg.FlusherConfig(), s.ops.Checkpoint, logger)
		if err := s.flusher.Start(); err != nil {
			s.closeFailedOpen()
			return nil, err
		}
	}

	logger.Info("storage opened",
		"dir", cfg.DataDirectory,
		"cache", humanize.IBytes(uint64(pages)*PageSize),
		"policy", cfg.EvictionPolicy,
		"journal", cfg.JournalEnabled,
		"files", len(files.Files()))
	return s, nil
}

// closeFailedOpen releases whatever Open acquired before it failed. Nothing
// is flushed: the journal still holds every committed change.
func (s *Storage) closeFailedOpen() {
	if s.flusher != nil {
		s.flusher.Stop()
	}
	if s.cache != nil {
		s.cache.closed.Store(true)
	}
	if s.journal != nil {
		s.journal.Close()
	}
	s.files.Close()
}

// recover redoes every journaled operation directly against the data files,
// makes them durable and empties the journal.
func (s *Storage) recover() error {
	pages := 0
	var batch []PageWrite
	records, err := s.journal.Replay(func(rec *JournalRecord) error {
		batch = batch[:0]
		for _, pw := range rec.Pages {
			// Files deleted by a later operation are gone for good.
			if !s.files.HasFile(pw.ID.FileID) {
				continue
			}
			batch = append(batch, pw)
		}
		if err := s.files.WritePagesV(batch); err != nil {
			return err
		}
		s.metrics.RecordReplayedPages(len(batch))
		pages += len(batch)
		for _, fileID := range rec.DeletedFiles {
			if s.files.HasFile(fileID) {
				if err := s.files.DeleteFile(fileID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal replay failed: %w", err)
	}
	if records == 0 {
		return nil
	}
	if err := s.journal.Truncate(); err != nil {
		return err
	}
	s.logger.Info("journal replayed", "operations", records, "pages", pages)
	return nil
}

func (s *Storage) Cache() *BufferCache {
	return s.cache
}

func (s *Storage) Files() *FileManager {
	return s.files
}

// Atomic returns the manager that starts atomic operations.
func (s *Storage) Atomic() *AtomicOperationManager {
	return s.ops
}

// Journal returns the redo journal, nil when journaling is disabled.
func (s *Storage) Journal() *Journal {
	return s.journal
}

// Flusher returns the background flusher, nil when it is disabled.
func (s *Storage) Flusher() *BackgroundFlusher {
	return s.flusher
}

func (s *Storage) Metrics() *Metrics {
	return s.metrics
}

func (s *Storage) Config() *Config {
	return s.config.Clone()
}

// Checkpoint makes every committed change durable in the data files.
func (s *Storage) Checkpoint() error {
	return s.ops.Checkpoint()
}

// ChangeMaximumAmountOfMemory resizes the buffer cache.
func (s *Storage) ChangeMaximumAmountOfMemory(bytes uint64) error {
	return s.cache.ChangeMaximumAmountOfMemory(bytes)
}

// Close checkpoints and releases every resource. Atomic operations must
// have ended.
func (s *Storage) Close() error {
	if n := s.ops.ActiveCount(); n > 0 {
		s.logger.Warn("closing with running atomic operations", "active", n)
	}
	if s.flusher != nil {
		s.flusher.Stop()
	}

	var firstErr error
	if err := s.ops.Checkpoint(); err != nil {
		firstErr = err
	}
	if err := s.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.files.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.config.EnableMetrics {
		s.metrics.LogMetrics(s.logger)
	}
	return firstErr
}
