package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HOST", "PORT", "ADVERTISE_LOCATION", "POOL_SIZE", "BATCH_SIZE", "ACQUIRE_TIMEOUT",
		"TABLES", "TABLES_FILE", "LOG_LEVEL", "LOG_FORMAT", "METRICS_ADDR",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "DUCKDB_MAX_MEMORY", "DUCKDB_THREADS",
		"SKIP_LOCATION_CHECK", "S3_KEY_ID", "S3_SECRET", "S3_ENDPOINT", "S3_REGION",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8815, cfg.Port)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 100_000, cfg.BatchSize)
	assert.Zero(t, cfg.AcquireTimeout)
	assert.Empty(t, cfg.Tables)
	assert.Equal(t, "grpc://0.0.0.0:8815", cfg.Location())
	assert.Equal(t, "0.0.0.0:8815", cfg.ListenAddr())
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9000")
	t.Setenv("POOL_SIZE", "4")
	t.Setenv("BATCH_SIZE", "1000")
	t.Setenv("ACQUIRE_TIMEOUT", "3s")
	t.Setenv("TABLES", "users=s3://lake/users, events=/data/events.parquet")
	t.Setenv("RATE_LIMIT_RPS", "50")
	t.Setenv("RATE_LIMIT_BURST", "100")
	t.Setenv("ADVERTISE_LOCATION", "grpc://flight.internal:9000")
	t.Setenv("S3_KEY_ID", "AKIA")
	t.Setenv("S3_SECRET", "secret")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	assert.Equal(t, "grpc://flight.internal:9000", cfg.Location())
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.AcquireTimeout)
	assert.InDelta(t, 50.0, cfg.RateLimitRPS, 0.001)
	assert.Equal(t, 100, cfg.RateLimitBurst)
	assert.True(t, cfg.Storage.HasS3())
	assert.Equal(t, []TableSpec{
		{Name: "users", Location: "s3://lake/users"},
		{Name: "events", Location: "/data/events.parquet"},
	}, cfg.Tables)
}

func TestLoadFromEnv_InvalidNumbers(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"POOL_SIZE", "ten"},
		{"BATCH_SIZE", "1e5"},
		{"ACQUIRE_TIMEOUT", "5"},
		{"RATE_LIMIT_RPS", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadFromEnv_PartialS3(t *testing.T) {
	clearEnv(t)
	t.Setenv("S3_KEY_ID", "AKIA")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.Storage.HasS3())
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "S3_KEY_ID")
}

func TestParseTableFlags(t *testing.T) {
	got, err := ParseTableFlags([]string{"users=/data/users", "lake=s3://b/k=v"})
	require.NoError(t, err)
	assert.Equal(t, []TableSpec{
		{Name: "users", Location: "/data/users"},
		{Name: "lake", Location: "s3://b/k=v"},
	}, got)

	for _, bad := range []string{"users", "=s3://x", "users="} {
		_, err := ParseTableFlags([]string{bad})
		require.Error(t, err, bad)
		assert.Contains(t, err.Error(), "Use name=uri")
	}
}

func TestMergeTables(t *testing.T) {
	base := []TableSpec{{Name: "a", Location: "1"}, {Name: "b", Location: "2"}}
	got := MergeTables(base, []TableSpec{{Name: "b", Location: "3"}, {Name: "c", Location: "4"}})
	assert.Equal(t, []TableSpec{
		{Name: "a", Location: "1"},
		{Name: "b", Location: "3"},
		{Name: "c", Location: "4"},
	}, got)
	assert.Equal(t, "2", base[1].Location, "base must not be modified")
}

func TestLoadTablesFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("mixed_entries", func(t *testing.T) {
		path := filepath.Join(dir, "tables.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`tables:
  users: s3://lake/users
  events:
    location: /data/events
    format: parquet
`), 0o600))

		got, err := LoadTablesFile(path)
		require.NoError(t, err)
		assert.Equal(t, []TableSpec{
			{Name: "users", Location: "s3://lake/users"},
			{Name: "events", Location: "/data/events", Format: "parquet"},
		}, got)
	})

	t.Run("no_tables_key", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, []byte("other: 1\n"), 0o600))
		got, err := LoadTablesFile(path)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("tables_not_mapping", func(t *testing.T) {
		path := filepath.Join(dir, "list.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tables:\n  - users\n"), 0o600))
		_, err := LoadTablesFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be a mapping")
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadTablesFile(filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
	})
}

func TestApplyFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("POOL_SIZE", "3")
	t.Setenv("TABLES", "users=/env/users")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--port", "9999",
		"-t", "users=/flag/users",
		"-t", "orders=/flag/orders",
		"--acquire-timeout", "250ms",
	}))
	require.NoError(t, cfg.ApplyFlags(fs))

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 3, cfg.PoolSize, "unset flags keep env values")
	assert.Equal(t, 250*time.Millisecond, cfg.AcquireTimeout)
	assert.Equal(t, []TableSpec{
		{Name: "users", Location: "/flag/users"},
		{Name: "orders", Location: "/flag/orders"},
	}, cfg.Tables)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "zero_pool", mutate: func(c *Config) { c.PoolSize = 0 }, wantErr: "pool size"},
		{name: "zero_batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: "batch size"},
		{name: "bad_port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "port"},
		{name: "negative_timeout", mutate: func(c *Config) { c.AcquireTimeout = -time.Second }, wantErr: "acquire timeout"},
		{name: "bad_log_format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log format"},
		{name: "bad_table_name", mutate: func(c *Config) {
			c.Tables = []TableSpec{{Name: "my-table", Location: "/x"}}
		}, wantErr: "my-table"},
		{name: "duplicate_table", mutate: func(c *Config) {
			c.Tables = []TableSpec{{Name: "a", Location: "/x"}, {Name: "a", Location: "/y"}}
		}, wantErr: "configured twice"},
		{name: "missing_location", mutate: func(c *Config) {
			c.Tables = []TableSpec{{Name: "a", Location: " "}}
		}, wantErr: "location is required"},
		{name: "bad_format", mutate: func(c *Config) {
			c.Tables = []TableSpec{{Name: "a", Location: "/x", Format: "orc"}}
		}, wantErr: "unsupported table format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nPOOL_SIZE=\"7\"\nBATCH_SIZE='50'\n\nnot a pair\n"), 0o600))
	t.Setenv("POOL_SIZE", "")
	t.Setenv("BATCH_SIZE", "9")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "7", os.Getenv("POOL_SIZE"))
	assert.Equal(t, "9", os.Getenv("BATCH_SIZE"), "existing env wins")

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
