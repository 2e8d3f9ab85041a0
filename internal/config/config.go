// Package config loads atrepo settings from defaults, an optional config
// file, ATREPO_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// ATREPO_DATA_DIR or ATREPO_BADGER_SYNC_WRITES.
const EnvPrefix = "atrepo"

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	DataDir string `mapstructure:"data-dir"`

	// Backend is one of memory, badger or sqlite.
	Backend string `mapstructure:"backend"`

	// CacheSize is the number of blocks kept in the shared LRU. Zero
	// disables the cache.
	CacheSize int `mapstructure:"cache-size"`

	// PageSize is the GetBlockRange page size used by CAR exports.
	PageSize int `mapstructure:"page-size"`

	// GetBlocksBatch caps CIDs per backend lookup.
	GetBlocksBatch int `mapstructure:"get-blocks-batch"`

	Badger   Badger   `mapstructure:"badger"`
	SQLite   SQLite   `mapstructure:"sqlite"`
	Log      Log      `mapstructure:"log"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Identity Identity `mapstructure:"identity"`
}

type Badger struct {
	SyncWrites     bool          `mapstructure:"sync-writes"`
	GCInterval     time.Duration `mapstructure:"gc-interval"`
	GCDiscardRatio float64       `mapstructure:"gc-discard-ratio"`

	// MemTableSize in bytes caps the size of one commit.
	MemTableSize int64 `mapstructure:"memtable-size"`
}

type SQLite struct {
	// Path defaults to <data-dir>/repo.db.
	Path string `mapstructure:"path"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

type Identity struct {
	// Path defaults to <data-dir>/identity.json.
	Path string `mapstructure:"path"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir:        ".atrepo",
		Backend:        BackendBadger,
		CacheSize:      4096,
		PageSize:       500,
		GetBlocksBatch: 500,
		Badger: Badger{
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
			MemTableSize:   128 << 20,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// New returns a viper instance seeded with Default and reading ATREPO_*
// environment variables.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("cache-size", d.CacheSize)
	v.SetDefault("page-size", d.PageSize)
	v.SetDefault("get-blocks-batch", d.GetBlocksBatch)
	v.SetDefault("badger.sync-writes", d.Badger.SyncWrites)
	v.SetDefault("badger.gc-interval", d.Badger.GCInterval)
	v.SetDefault("badger.gc-discard-ratio", d.Badger.GCDiscardRatio)
	v.SetDefault("badger.memtable-size", d.Badger.MemTableSize)
	v.SetDefault("sqlite.path", d.SQLite.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("identity.path", d.Identity.Path)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if non-empty) into v and decodes the merged settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendBadger, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch {
	case c.DataDir == "" && c.Backend != BackendMemory:
		return fmt.Errorf("%w: data-dir is required for %s", ErrInvalid, c.Backend)
	case c.CacheSize < 0:
		return fmt.Errorf("%w: cache-size %d", ErrInvalid, c.CacheSize)
	case c.PageSize <= 0:
		return fmt.Errorf("%w: page-size %d", ErrInvalid, c.PageSize)
	case c.GetBlocksBatch <= 0:
		return fmt.Errorf("%w: get-blocks-batch %d", ErrInvalid, c.GetBlocksBatch)
	case c.Badger.GCInterval < 0:
		return fmt.Errorf("%w: badger.gc-interval %s", ErrInvalid, c.Badger.GCInterval)
	case c.Badger.GCInterval > 0 && (c.Badger.GCDiscardRatio <= 0 || c.Badger.GCDiscardRatio >= 1):
		return fmt.Errorf("%w: badger.gc-discard-ratio %v", ErrInvalid, c.Badger.GCDiscardRatio)
	case c.Badger.MemTableSize < 0:
		return fmt.Errorf("%w: badger.memtable-size %d", ErrInvalid, c.Badger.MemTableSize)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

func (c Config) BadgerPath() string {
	return filepath.Join(c.DataDir, "badger")
}

func (c Config) SQLitePath() string {
	if c.SQLite.Path != "" {
		return c.SQLite.Path
	}
	return filepath.Join(c.DataDir, "repo.db")
}

func (c Config) IdentityPath() string {
	if c.Identity.Path != "" {
		return c.Identity.Path
	}
	return filepath.Join(c.DataDir, "identity.json")
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w.
func (l Log) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
