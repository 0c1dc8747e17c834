package elasticsearch

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "150ms" or "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the top-level engine configuration.
type Config struct {
	// Dir is the directory holding segment files and tombstones.
	Dir      string         `yaml:"dir"`
	Memtable MemtableConfig `yaml:"memtable"`
	Cache    CacheConfig    `yaml:"cache"`
	Merge    MergeConfig    `yaml:"merge"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MemtableConfig controls when buffered documents are flushed to a segment.
type MemtableConfig struct {
	// FlushSize is the buffered size in bytes that triggers a flush.
	FlushSize int64 `yaml:"flushSize"`
}

// CacheConfig controls the query result cache.
type CacheConfig struct {
	// Capacity is the total size of cached bitmaps in bytes.
	Capacity int64 `yaml:"capacity"`
}

// MergeConfig controls the background merge policy and its scheduler.
type MergeConfig struct {
	Interval    Duration `yaml:"interval"`
	MinSegments int      `yaml:"minSegments"`
	MaxSegments int      `yaml:"maxSegments"`
	FloorSize   int64    `yaml:"floorSize"`
	Ratio       int64    `yaml:"ratio"`
	// WriteBytesPerSec throttles merge writes, 0 means unlimited.
	WriteBytesPerSec int         `yaml:"writeBytesPerSec"`
	Retry            RetryConfig `yaml:"retry"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with defaults for every knob except Dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir: dir,
		Memtable: MemtableConfig{
			FlushSize: 8 << 20,
		},
		Cache: CacheConfig{
			Capacity: 32 << 20,
		},
		Merge: MergeConfig{
			Interval:    Duration(10 * time.Second),
			MinSegments: 4,
			MaxSegments: 10,
			FloorSize:   2 << 20,
			Ratio:       10,
			Retry:       defaultRetryConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads a YAML config file (if path is non-empty) on top of the
// defaults and applies ES_* environment-variable overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig("")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with. Zero values are fine,
// Open backfills them from the defaults.
func (c Config) Validate() error {
	if c.Memtable.FlushSize < 0 {
		return fmt.Errorf("config: memtable flush size must not be negative")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("config: cache capacity must not be negative")
	}
	if c.Merge.MinSegments != 0 && c.Merge.MinSegments < 2 {
		return fmt.Errorf("config: merge needs at least 2 segments, got %d", c.Merge.MinSegments)
	}
	if c.Merge.MaxSegments != 0 && c.Merge.MaxSegments < c.Merge.MinSegments {
		return fmt.Errorf("config: max merged segments %d below min %d", c.Merge.MaxSegments, c.Merge.MinSegments)
	}
	if c.Merge.Ratio != 0 && c.Merge.Ratio < 2 {
		return fmt.Errorf("config: merge tier ratio must be at least 2, got %d", c.Merge.Ratio)
	}
	return nil
}

// withDefaults backfills zero values from DefaultConfig.
func (c *Config) withDefaults() {
	def := DefaultConfig(c.Dir)
	if c.Memtable.FlushSize == 0 {
		c.Memtable.FlushSize = def.Memtable.FlushSize
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = def.Cache.Capacity
	}
	if c.Merge.Interval == 0 {
		c.Merge.Interval = def.Merge.Interval
	}
	if c.Merge.MinSegments == 0 {
		c.Merge.MinSegments = def.Merge.MinSegments
	}
	if c.Merge.MaxSegments == 0 {
		c.Merge.MaxSegments = def.Merge.MaxSegments
	}
	if c.Merge.FloorSize == 0 {
		c.Merge.FloorSize = def.Merge.FloorSize
	}
	if c.Merge.Ratio == 0 {
		c.Merge.Ratio = def.Merge.Ratio
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ES_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("ES_MEMTABLE_FLUSH_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Memtable.FlushSize = n
		}
	}
	if v := os.Getenv("ES_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.Capacity = n
		}
	}
	if v := os.Getenv("ES_MERGE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Merge.Interval = Duration(d)
		}
	}
	if v := os.Getenv("ES_MERGE_WRITE_BPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Merge.WriteBytesPerSec = n
		}
	}
	if v := os.Getenv("ES_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ES_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func newLogger(cfg LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
