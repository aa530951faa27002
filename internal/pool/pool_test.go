package pool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flydelta/internal/catalog"
	"flydelta/internal/domain"
)

func testCatalog() *catalog.Catalog {
	schema := arrow.NewSchema([]arrow.Field{{Name: "range", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)
	return catalog.New(
		&catalog.TableEntry{Name: "nums", Schema: schema, Dataset: catalog.Dataset{Scan: "range(3)"}},
		&catalog.TableEntry{Name: "more_nums", Schema: schema, Dataset: catalog.Dataset{Scan: "range(10)"}},
	)
}

func newTestPool(t *testing.T, opts Options) (*Pool, *sql.DB) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := New(context.Background(), db, testCatalog(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, db
}

func TestNew_RegistersViewsOnEveryConnection(t *testing.T) {
	p, db := newTestPool(t, Options{Size: 3})
	ctx := context.Background()

	leases := make([]*Lease, 3)
	for i := range leases {
		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		leases[i] = l

		var n int
		require.NoError(t, l.Conn().QueryRowContext(ctx, `SELECT count(*) FROM "nums"`).Scan(&n))
		assert.Equal(t, 3, n)
		require.NoError(t, l.Conn().QueryRowContext(ctx, `SELECT count(*) FROM "more_nums"`).Scan(&n))
		assert.Equal(t, 10, n)
	}
	for _, l := range leases {
		l.Release()
	}

	// Views are connection-local; an unpooled connection does not see them.
	var n int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM "nums"`).Scan(&n)
	require.Error(t, err)
}

func TestNew_InvalidSize(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	_, err = New(context.Background(), db, testCatalog(), Options{Size: -1})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestNew_RegistrationFailure(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	schema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int64}}, nil)
	cat := catalog.New(&catalog.TableEntry{Name: "broken", Schema: schema, Dataset: catalog.Dataset{Scan: "no_such_function()"}})

	_, err = New(context.Background(), db, cat, Options{Size: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `register table "broken"`)
}

func TestAcquire_DefaultSize(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	assert.Equal(t, 10, p.Capacity())
	assert.Equal(t, Stats{Capacity: 10, Idle: 10}, p.Stats())
}

func TestLease_DoubleReleaseIsNoop(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 2})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().InUse)

	l.Release()
	l.Release()
	l.Release()

	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 2, s.Idle)
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1})
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Lease)
	go func() {
		l, err := p.Acquire(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- l
	}()

	select {
	case <-got:
		t.Fatal("second acquire must block while the only connection is leased")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	first.Release()

	select {
	case second, ok := <-got:
		require.True(t, ok)
		assert.Same(t, first.Conn(), second.Conn())
		second.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestAcquire_Timeout(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, AcquireTimeout: 30 * time.Millisecond})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	_, err = p.Acquire(context.Background())
	var te *domain.PoolTimeoutError
	require.ErrorAs(t, err, &te)
	assert.GreaterOrEqual(t, te.Waited, 30*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().TimedOut)
}

func TestClose(t *testing.T) {
	t.Run("acquire_after_close", func(t *testing.T) {
		p, _ := newTestPool(t, Options{Size: 2})
		require.NoError(t, p.Close(context.Background()))
		assert.True(t, p.Closed())

		_, err := p.Acquire(context.Background())
		var ce *domain.PoolClosedError
		require.ErrorAs(t, err, &ce)
		require.NoError(t, p.Close(context.Background()), "close is idempotent")
	})

	t.Run("wakes_waiters", func(t *testing.T) {
		p, _ := newTestPool(t, Options{Size: 1})
		held, err := p.Acquire(context.Background())
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() {
			_, err := p.Acquire(context.Background())
			errc <- err
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

		closed := make(chan error, 1)
		go func() { closed <- p.Close(context.Background()) }()

		var ce *domain.PoolClosedError
		require.ErrorAs(t, <-errc, &ce)

		// Close waits for the outstanding lease.
		select {
		case <-closed:
			t.Fatal("close returned with a lease outstanding")
		case <-time.After(50 * time.Millisecond):
		}
		held.Release()
		require.NoError(t, <-closed)
		assert.Equal(t, 0, p.Stats().InUse)
	})

	t.Run("deadline_with_lease_outstanding", func(t *testing.T) {
		p, _ := newTestPool(t, Options{Size: 1})
		held, err := p.Acquire(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = p.Close(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))

		held.Release()
	})
}

func TestPool_CapacityUnderContention(t *testing.T) {
	const capacity = 4
	p, _ := newTestPool(t, Options{Size: capacity})
	ctx := context.Background()

	var (
		holders atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				l, err := p.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				n := holders.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				var v int
				assert.NoError(t, l.Conn().QueryRowContext(ctx, `SELECT count(*) FROM "nums"`).Scan(&v))
				holders.Add(-1)
				l.Release()
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	s := p.Stats()
	assert.Equal(t, capacity, s.Idle)
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, int64(32*20), s.Acquired)
}
