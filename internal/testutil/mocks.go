// Package testutil provides shared fixtures and fakes for tests across the
// codebase, in the manner of net/http/httptest.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/require"

	"flydelta/internal/catalog"
	"flydelta/internal/config"
	"flydelta/internal/pool"
)

// Fixture is a loaded catalog and an open pool over temporary parquet files.
//
// Tables:
//   - users: 5 rows (id 1..5, value 10.0..50.0, active for ids 1, 3 and 5)
//   - large_table: 10000 rows (id 0..9999, value = id * 1.5)
type Fixture struct {
	DB      *sql.DB
	Catalog *catalog.Catalog
	Pool    *pool.Pool
	Dir     string
	Specs   []config.TableSpec
}

// NewFixture writes the test tables, loads them and opens a pool of poolSize
// connections. Everything is closed when the test ends.
func NewFixture(t *testing.T, poolSize int) *Fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := t.TempDir()
	users := filepath.Join(dir, "users.parquet")
	large := filepath.Join(dir, "large_table.parquet")

	_, err = db.ExecContext(ctx, `COPY (
		SELECT * FROM (VALUES
			(1::BIGINT, 'alice',   10.0::DOUBLE, true),
			(2::BIGINT, 'bob',     20.0::DOUBLE, false),
			(3::BIGINT, 'charlie', 30.0::DOUBLE, true),
			(4::BIGINT, 'diana',   40.0::DOUBLE, false),
			(5::BIGINT, 'eve',     50.0::DOUBLE, true)
		) t(id, name, value, active)
	) TO '`+users+`' (FORMAT parquet)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `COPY (
		SELECT range AS id, range * 1.5::DOUBLE AS value FROM range(10000)
	) TO '`+large+`' (FORMAT parquet)`)
	require.NoError(t, err)

	specs := []config.TableSpec{
		{Name: "users", Location: users},
		{Name: "large_table", Location: large},
	}
	cat, err := catalog.Load(ctx, db, specs, catalog.LoadOptions{})
	require.NoError(t, err)

	p, err := pool.New(ctx, db, cat, pool.Options{Size: poolSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return &Fixture{DB: db, Catalog: cat, Pool: p, Dir: dir, Specs: specs}
}

// FailingPool is a pool whose Acquire always fails with Err.
type FailingPool struct {
	Err   error
	Calls int
}

// Acquire implements the pool interface for testing.
func (f *FailingPool) Acquire(context.Context) (*pool.Lease, error) {
	f.Calls++
	return nil, f.Err
}
