package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds storage engine configuration
type Config struct {
	// Disk Configuration
	DataDirectory string `json:"data_directory"` // Directory for data files and the journal

	// Cache Configuration
	CacheMemory        string `json:"cache_memory"`         // Cache budget, e.g. "64MiB" or "256 MB"
	EvictionPolicy     string `json:"eviction_policy"`      // wtinylfu or lru
	EdenPercent        int    `json:"eden_percent"`         // Share of the cache used as admission window
	ProtectionPercent  int    `json:"protection_percent"`   // Share of the main space reserved for proven pages
	SketchSampleFactor int    `json:"sketch_sample_factor"` // Recordings per cached page before the sketch ages
	FlushWorkers       int    `json:"flush_workers"`        // Parallel writers used by FlushAll

	// Background Flushing
	BackgroundFlush    bool    `json:"background_flush"`    // Write dirty pages back ahead of eviction
	FlushInterval      string  `json:"flush_interval"`      // Flusher cycle, e.g. "100ms"
	TargetDirtyRatio   float64 `json:"target_dirty_ratio"`  // Dirty share the flusher steers towards
	MaxDirtyRatio      float64 `json:"max_dirty_ratio"`     // Dirty share that triggers full-rate flushing
	CheckpointInterval string  `json:"checkpoint_interval"` // Periodic checkpoints, "0" disables

	// Journal Configuration
	JournalEnabled     bool   `json:"journal_enabled"`      // Redo journal for atomic operations
	JournalCompression string `json:"journal_compression"`  // none, snappy or lz4
	JournalGroupCommit bool   `json:"journal_group_commit"` // Share fsyncs between concurrent commits
	JournalBatchSize   int    `json:"journal_batch_size"`   // Maximum commits per group
	JournalBatchDelay  string `json:"journal_batch_delay"`  // Maximum wait for a group to fill

	// Observability
	EnableMetrics bool   `json:"enable_metrics"` // Whether to collect performance metrics
	LogLevel      string `json:"log_level"`      // Log level (debug, info, warn, error)
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDirectory:      "./data",
		CacheMemory:        "64MiB",
		EvictionPolicy:     PolicyWTinyLFU,
		EdenPercent:        DefaultEdenPercent,
		ProtectionPercent:  DefaultProtectionPercent,
		SketchSampleFactor: DefaultSketchSampleFactor,
		FlushWorkers:       4,
		BackgroundFlush:    true,
		FlushInterval:      "100ms",
		TargetDirtyRatio:   0.6,
		MaxDirtyRatio:      0.8,
		CheckpointInterval: "30s",
		JournalEnabled:     true,
		JournalCompression: "snappy",
		JournalGroupCommit: false,
		JournalBatchSize:   64,
		JournalBatchDelay:  "1ms",
		EnableMetrics:      true,
		LogLevel:           "info",
	}
}

// LoadConfigFromFile loads configuration from a JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv loads configuration from HEXCACHE_* environment variables.
// Unset or unparsable variables keep their default values.
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if val := os.Getenv("HEXCACHE_DATA_DIRECTORY"); val != "" {
		config.DataDirectory = val
	}

	// Cache
	if val := os.Getenv("HEXCACHE_CACHE_MEMORY"); val != "" {
		config.CacheMemory = val
	}
	if val := os.Getenv("HEXCACHE_EVICTION_POLICY"); val != "" {
		config.EvictionPolicy = val
	}
	envInt("HEXCACHE_EDEN_PERCENT", &config.EdenPercent)
	envInt("HEXCACHE_PROTECTION_PERCENT", &config.ProtectionPercent)
	envInt("HEXCACHE_SKETCH_SAMPLE_FACTOR", &config.SketchSampleFactor)
	envInt("HEXCACHE_FLUSH_WORKERS", &config.FlushWorkers)

	// Background flushing
	if val := os.Getenv("HEXCACHE_BACKGROUND_FLUSH"); val != "" {
		config.BackgroundFlush = val == "true" || val == "1"
	}
	if val := os.Getenv("HEXCACHE_FLUSH_INTERVAL"); val != "" {
		config.FlushInterval = val
	}
	envFloat("HEXCACHE_TARGET_DIRTY_RATIO", &config.TargetDirtyRatio)
	envFloat("HEXCACHE_MAX_DIRTY_RATIO", &config.MaxDirtyRatio)
	if val := os.Getenv("HEXCACHE_CHECKPOINT_INTERVAL"); val != "" {
		config.CheckpointInterval = val
	}

	// Journal
	if val := os.Getenv("HEXCACHE_JOURNAL_ENABLED"); val != "" {
		config.JournalEnabled = val == "true" || val == "1"
	}
	if val := os.Getenv("HEXCACHE_JOURNAL_COMPRESSION"); val != "" {
		config.JournalCompression = val
	}
	if val := os.Getenv("HEXCACHE_JOURNAL_GROUP_COMMIT"); val != "" {
		config.JournalGroupCommit = val == "true" || val == "1"
	}
	envInt("HEXCACHE_JOURNAL_BATCH_SIZE", &config.JournalBatchSize)
	if val := os.Getenv("HEXCACHE_JOURNAL_BATCH_DELAY"); val != "" {
		config.JournalBatchDelay = val
	}

	if val := os.Getenv("HEXCACHE_ENABLE_METRICS"); val != "" {
		config.EnableMetrics = val == "true" || val == "1"
	}
	if val := os.Getenv("HEXCACHE_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CacheBytes parses CacheMemory.
func (c *Config) CacheBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.CacheMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid cache memory %q: %w", c.CacheMemory, err)
	}
	return n, nil
}

// CachePages returns the cache capacity in pages.
func (c *Config) CachePages() (int, error) {
	n, err := c.CacheBytes()
	if err != nil {
		return 0, err
	}
	return int(n / PageSize), nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDirectory == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	pages, err := c.CachePages()
	if err != nil {
		return err
	}
	if pages < 1 {
		return fmt.Errorf("cache memory %s is smaller than one page (%s)",
			c.CacheMemory, humanize.IBytes(PageSize))
	}

	switch c.EvictionPolicy {
	case PolicyWTinyLFU, PolicyLRU:
	default:
		return fmt.Errorf("invalid eviction policy: %s (must be wtinylfu or lru)", c.EvictionPolicy)
	}

	if c.EdenPercent < 1 || c.EdenPercent > 99 {
		return fmt.Errorf("eden percent must be between 1 and 99, got %d", c.EdenPercent)
	}
	if c.ProtectionPercent < 1 || c.ProtectionPercent > 100 {
		return fmt.Errorf("protection percent must be between 1 and 100, got %d", c.ProtectionPercent)
	}
	if c.SketchSampleFactor < 1 {
		return fmt.Errorf("sketch sample factor must be greater than 0")
	}
	if c.FlushWorkers < 1 {
		return fmt.Errorf("flush workers must be greater than 0")
	}

	if c.BackgroundFlush {
		if d, err := parseDuration("flush interval", c.FlushInterval); err != nil {
			return err
		} else if d <= 0 {
			return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
		}
		if c.TargetDirtyRatio <= 0 || c.TargetDirtyRatio >= 1 {
			return fmt.Errorf("target dirty ratio must be between 0 and 1, got %g", c.TargetDirtyRatio)
		}
		if c.MaxDirtyRatio <= c.TargetDirtyRatio || c.MaxDirtyRatio >= 1 {
			return fmt.Errorf("max dirty ratio must be between target dirty ratio and 1, got %g", c.MaxDirtyRatio)
		}
	}
	if _, err := parseDuration("checkpoint interval", c.CheckpointInterval); err != nil {
		return err
	}

	if _, err := ParseJournalCodec(c.JournalCompression); err != nil {
		return err
	}
	if c.JournalGroupCommit {
		if c.JournalBatchSize < 1 {
			return fmt.Errorf("journal batch size must be greater than 0")
		}
		if _, err := parseDuration("journal batch delay", c.JournalBatchDelay); err != nil {
			return err
		}
	}

	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// parseDuration accepts Go duration strings. An empty string or "0" is zero.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s cannot be negative, got %s", name, value)
	}
	return d, nil
}

// FlusherConfig derives the background flusher settings.
func (c *Config) FlusherConfig() FlusherConfig {
	fc := DefaultFlusherConfig()
	fc.TargetDirtyRatio = c.TargetDirtyRatio
	fc.MaxDirtyRatio = c.MaxDirtyRatio
	if d, err := parseDuration("flush interval", c.FlushInterval); err == nil && d > 0 {
		fc.CheckInterval = d
	}
	fc.CheckpointInterval, _ = parseDuration("checkpoint interval", c.CheckpointInterval)
	return fc
}

func parseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// NewLogger builds a text logger writing to w at the configured level.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
