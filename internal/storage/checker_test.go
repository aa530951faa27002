package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flydelta/internal/config"
	"flydelta/internal/ddl"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Location
		wantErr string
	}{
		{
			name: "local_path",
			raw:  "/data/users",
			want: Location{Raw: "/data/users", Scheme: "file", Key: "/data/users"},
		},
		{
			name: "file_uri",
			raw:  "file:///data/users",
			want: Location{Raw: "file:///data/users", Scheme: "file", Key: "/data/users"},
		},
		{
			name: "s3",
			raw:  "s3://lake/tables/users",
			want: Location{Raw: "s3://lake/tables/users", Scheme: "s3", Bucket: "lake", Key: "tables/users"},
		},
		{
			name: "s3a",
			raw:  "s3a://lake/users",
			want: Location{Raw: "s3a://lake/users", Scheme: "s3", Bucket: "lake", Key: "users"},
		},
		{
			name: "gcs",
			raw:  "gs://lake/users",
			want: Location{Raw: "gs://lake/users", Scheme: "gs", Bucket: "lake", Key: "users"},
		},
		{
			name: "abfss",
			raw:  "abfss://raw@acct.dfs.core.windows.net/tables/users",
			want: Location{Raw: "abfss://raw@acct.dfs.core.windows.net/tables/users", Scheme: "az", Bucket: "raw", Key: "tables/users", Account: "acct"},
		},
		{
			name: "az",
			raw:  "az://raw/users",
			want: Location{Raw: "az://raw/users", Scheme: "az", Bucket: "raw", Key: "users"},
		},
		{
			name: "azure_https",
			raw:  "https://acct.blob.core.windows.net/raw/tables/users",
			want: Location{Raw: "https://acct.blob.core.windows.net/raw/tables/users", Scheme: "az", Bucket: "raw", Key: "tables/users", Account: "acct"},
		},
		{
			name: "plain_https",
			raw:  "https://example.com/users.parquet",
			want: Location{Raw: "https://example.com/users.parquet", Scheme: "https", Key: "users.parquet"},
		},
		{name: "empty", raw: " ", wantErr: "location is empty"},
		{name: "unknown_scheme", raw: "hdfs://nn/users", wantErr: "unsupported location scheme"},
		{name: "no_bucket", raw: "s3:///users", wantErr: "no bucket"},
		{name: "abfss_without_container", raw: "abfss://acct.dfs.core.windows.net/x", wantErr: "missing container"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocation(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticPrefix(t *testing.T) {
	p, glob := staticPrefix("events/2024/*.parquet")
	assert.True(t, glob)
	assert.Equal(t, "events/2024/", p)

	p, glob = staticPrefix("*.parquet")
	assert.True(t, glob)
	assert.Empty(t, p)

	p, glob = staticPrefix("events/users.parquet")
	assert.False(t, glob)
	assert.Equal(t, "events/users.parquet", p)
}

type fakeBackend struct {
	objects map[string][]string // bucket -> keys
	err     error
	calls   []string
}

func (f *fakeBackend) Exists(_ context.Context, bucket, prefix string) (bool, error) {
	f.calls = append(f.calls, bucket+"/"+prefix)
	if f.err != nil {
		return false, f.err
	}
	for _, k := range f.objects[bucket] {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			return true, nil
		}
	}
	return false, nil
}

func TestChecker_Remote(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{objects: map[string][]string{
		"lake": {"users/_delta_log/00000000000000000000.json", "events/part-0.parquet", "orders/metadata/v1.metadata.json"},
	}}
	c, err := NewChecker(ctx, config.StorageConfig{}, WithBackend("s3", fb))
	require.NoError(t, err)

	require.NoError(t, c.Check(ctx, "s3://lake/users", ddl.FormatDelta))
	require.NoError(t, c.Check(ctx, "s3://lake/events/*.parquet", ddl.FormatParquet))
	require.NoError(t, c.Check(ctx, "s3://lake/orders", ddl.FormatIceberg))

	err = c.Check(ctx, "s3://lake/events", ddl.FormatDelta)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "no Delta transaction log at s3://lake/events")

	assert.Contains(t, fb.calls, "lake/users/_delta_log/")
	assert.Contains(t, fb.calls, "lake/events/")
	assert.Contains(t, fb.calls, "lake/orders/metadata/")
}

func TestChecker_BackendError(t *testing.T) {
	ctx := context.Background()
	c, err := NewChecker(ctx, config.StorageConfig{}, WithBackend("gs", &fakeBackend{err: errors.New("403 forbidden")}))
	require.NoError(t, err)

	err = c.Check(ctx, "gs://lake/users", ddl.FormatDelta)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403 forbidden")
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestChecker_SkipsUnconfiguredSchemes(t *testing.T) {
	ctx := context.Background()
	c, err := NewChecker(ctx, config.StorageConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Check(ctx, "s3://lake/users", ddl.FormatDelta))
	require.NoError(t, c.Check(ctx, "az://raw/users", ddl.FormatDelta))
	require.NoError(t, c.Check(ctx, "https://example.com/x.parquet", ddl.FormatParquet))
}

func TestChecker_Local(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	delta := filepath.Join(dir, "users")
	require.NoError(t, os.MkdirAll(filepath.Join(delta, "_delta_log"), 0o755))
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.MkdirAll(plain, 0o755))
	file := filepath.Join(dir, "events.parquet")
	require.NoError(t, os.WriteFile(file, []byte("PAR1"), 0o600))

	c, err := NewChecker(ctx, config.StorageConfig{})
	require.NoError(t, err)

	t.Run("delta_table", func(t *testing.T) {
		require.NoError(t, c.Check(ctx, delta, ddl.FormatDelta))
		require.NoError(t, c.Check(ctx, "file://"+delta, ddl.FormatDelta))
	})

	t.Run("directory_without_log", func(t *testing.T) {
		err := c.Check(ctx, plain, ddl.FormatDelta)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "no Delta transaction log")
	})

	t.Run("missing_directory", func(t *testing.T) {
		err := c.Check(ctx, filepath.Join(dir, "nope"), ddl.FormatDelta)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("parquet_file", func(t *testing.T) {
		require.NoError(t, c.Check(ctx, file, ddl.FormatParquet))
	})

	t.Run("parquet_glob", func(t *testing.T) {
		require.NoError(t, c.Check(ctx, filepath.Join(dir, "*.parquet"), ddl.FormatParquet))
		err := c.Check(ctx, filepath.Join(dir, "missing", "*.parquet"), ddl.FormatParquet)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
