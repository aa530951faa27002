package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"flydelta/internal/config"
	"flydelta/internal/domain"
)

func writeParquet(t *testing.T, dir, name, query string) string {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	path := filepath.Join(dir, name)
	_, err = db.Exec("COPY (" + query + ") TO '" + path + "' (FORMAT PARQUET)")
	require.NoError(t, err)
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := writeParquet(t, dir, "numbers.parquet", "SELECT range AS n FROM range(25)")

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PoolSize = 2
	cfg.BatchSize = 10
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.LogFormat = "text"
	cfg.Tables = []config.TableSpec{{Name: "numbers", Location: path}}
	return cfg
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	a, err := New(context.Background(), cfg, Options{
		Logger:     NewLogger(cfg, &logs),
		Version:    "test",
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	assert.Equal(t, 1, a.Catalog.Len())
	assert.Equal(t, 2, a.Pool.Capacity())
	assert.Contains(t, logs.String(), "serving table")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := arrowflight.NewClientWithMiddleware(a.FlightAddr(), nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	stream, err := client.DoGet(ctx, &arrowflight.Ticket{Ticket: []byte("SELECT n FROM numbers")})
	require.NoError(t, err)
	rdr, err := arrowflight.NewRecordReader(stream)
	require.NoError(t, err)
	var rows int64
	var batches int
	for rdr.Next() {
		rows += rdr.Record().NumRows()
		batches++
	}
	rdr.Release()
	assert.Equal(t, int64(25), rows)
	assert.Equal(t, 3, batches)

	opsAddr := a.OpsAddr()
	require.NotEmpty(t, opsAddr)
	resp, err := http.Get("http://" + opsAddr + "/readyz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + opsAddr + "/v1/pool")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	_ = resp.Body.Close()
	assert.InDelta(t, 2, stats["capacity"], 0)

	require.NoError(t, a.Shutdown(ctx))
	assert.True(t, a.Pool.Closed())
	assert.Empty(t, a.OpsAddr())
}

func TestApp_Run(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsAddr = ""
	a, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.FlightAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.OpsAddr())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, a.Pool.Closed())
}

func TestApp_LoadErrorAbortsStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tables = append(cfg.Tables, config.TableSpec{
		Name:     "missing",
		Location: filepath.Join(t.TempDir(), "nope.parquet"),
	})

	_, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	var le *domain.LoadError
	require.True(t, errors.As(err, &le), "got %v", err)
	assert.Equal(t, "missing", le.Table)
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoolSize = 0
	_, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool size")
}

func TestApp_RegistersPoolCollector(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsAddr = ""
	reg := prometheus.NewRegistry()
	a, err := New(context.Background(), cfg, Options{Registerer: reg})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "flydelta_pool_capacity")

	require.NoError(t, a.Shutdown(context.Background()))
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "collector is unregistered on shutdown")
}
