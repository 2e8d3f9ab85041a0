package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, filepath.Join(".atrepo", "badger"), c.BadgerPath())
	assert.Equal(t, filepath.Join(".atrepo", "repo.db"), c.SQLitePath())
	assert.Equal(t, filepath.Join(".atrepo", "identity.json"), c.IdentityPath())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atrepo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: sqlite
cache-size: 10
sqlite:
  path: /tmp/x.db
badger:
  gc-interval: 1m
  memtable-size: 268435456
log:
  level: debug
`), 0o600))
	t.Setenv("ATREPO_CACHE_SIZE", "20")
	t.Setenv("ATREPO_LOG_FORMAT", "json")

	c, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, c.Backend)
	assert.Equal(t, 20, c.CacheSize, "env wins over file")
	assert.Equal(t, "/tmp/x.db", c.SQLitePath())
	assert.Equal(t, time.Minute, c.Badger.GCInterval)
	assert.EqualValues(t, 256<<20, c.Badger.MemTableSize)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "postgres" }},
		{"data dir", func(c *Config) { c.DataDir = "" }},
		{"cache size", func(c *Config) { c.CacheSize = -1 }},
		{"page size", func(c *Config) { c.PageSize = 0 }},
		{"batch", func(c *Config) { c.GetBlocksBatch = 0 }},
		{"gc ratio", func(c *Config) { c.Badger.GCDiscardRatio = 1 }},
		{"memtable size", func(c *Config) { c.Badger.MemTableSize = -1 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}

	c := Default()
	c.Backend, c.DataDir = BackendMemory, ""
	assert.NoError(t, c.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Log{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
