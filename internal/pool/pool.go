// Package pool keeps a fixed number of DuckDB connections, each with every
// catalog table registered as a connection-local view, and leases them to
// requests one at a time.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"flydelta/internal/catalog"
	"flydelta/internal/config"
	"flydelta/internal/ddl"
	"flydelta/internal/domain"
)

// Options configure a Pool.
type Options struct {
	Size           int           // number of connections (default config.DefaultPoolSize)
	AcquireTimeout time.Duration // 0 waits indefinitely
	Logger         *slog.Logger
}

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	Capacity int   `json:"capacity"`
	InUse    int   `json:"in_use"`
	Idle     int   `json:"idle"`
	Waiting  int   `json:"waiting"`
	Acquired int64 `json:"acquired_total"`
	TimedOut int64 `json:"timed_out_total"`
}

// Pool is a bounded set of reusable connections. While the pool is open,
// in-use plus idle connections always equals the capacity.
type Pool struct {
	capacity int
	timeout  time.Duration
	logger   *slog.Logger

	idle    chan *sql.Conn
	closing chan struct{}

	mu     sync.Mutex
	closed bool
	out    sync.WaitGroup

	inUse    atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
	timedOut atomic.Int64
}

// New opens opts.Size connections on db concurrently and registers every
// catalog table on each of them. If any connection fails, everything opened so
// far is closed and the error is returned.
func New(ctx context.Context, db *sql.DB, cat *catalog.Catalog, opts Options) (*Pool, error) {
	size := opts.Size
	if size == 0 {
		size = config.DefaultPoolSize
	}
	if size < 1 {
		return nil, domain.ErrValidation("pool size must be at least 1, got %d", size)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conns := make([]*sql.Conn, size)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range conns {
		g.Go(func() error {
			conn, err := openConn(gctx, db, cat)
			if err != nil {
				return fmt.Errorf("connection %d: %w", i, err)
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, fmt.Errorf("open pool: %w", err)
	}

	p := &Pool{
		capacity: size,
		timeout:  opts.AcquireTimeout,
		logger:   logger,
		idle:     make(chan *sql.Conn, size),
		closing:  make(chan struct{}),
	}
	for _, c := range conns {
		p.idle <- c
	}
	logger.Info("connection pool ready", "size", size, "tables", cat.Len(), "acquire_timeout", opts.AcquireTimeout)
	return p, nil
}

// openConn pins one connection and registers every table view on it.
func openConn(ctx context.Context, db *sql.DB, cat *catalog.Catalog) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range cat.Entries() {
		stmt, err := ddl.RegisterView(e.Name, e.Dataset.Scan)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("build DDL: %w", err)
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("register table %q: %w", e.Name, err)
		}
	}
	return conn, nil
}

// Acquire blocks until a connection is idle and leases it to the caller, who
// must call Release on the returned lease. It fails with *domain.PoolClosedError
// once the pool is closed, *domain.PoolTimeoutError when the acquire timeout
// elapses, or the context error when ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &domain.PoolClosedError{}
	}
	// Registered under the lock so Close cannot finish waiting before this
	// acquisition either fails or is released.
	p.out.Add(1)
	p.mu.Unlock()

	// Fast path.
	select {
	case conn := <-p.idle:
		return p.lease(conn), nil
	default:
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	var expired <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	start := time.Now()

	select {
	case conn := <-p.idle:
		return p.lease(conn), nil
	case <-p.closing:
		p.out.Done()
		return nil, &domain.PoolClosedError{}
	case <-ctx.Done():
		p.out.Done()
		return nil, ctx.Err()
	case <-expired:
		p.out.Done()
		p.timedOut.Add(1)
		return nil, &domain.PoolTimeoutError{Waited: time.Since(start).Round(time.Millisecond)}
	}
}

func (p *Pool) lease(conn *sql.Conn) *Lease {
	p.inUse.Add(1)
	p.acquired.Add(1)
	return &Lease{pool: p, conn: conn}
}

// put returns a connection. After Close the connection is closed instead.
func (p *Pool) put(conn *sql.Conn) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		// Cannot block: the channel has room for every connection.
		p.idle <- conn
	}
	p.inUse.Add(-1)
	p.mu.Unlock()

	if closed {
		if err := conn.Close(); err != nil {
			p.logger.Warn("close connection", "error", err)
		}
	}
	p.out.Done()
}

// Close stops new acquisitions, closes idle connections and waits for
// outstanding leases to be released, or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.drainIdle()

	done := make(chan struct{})
	go func() {
		p.out.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("connection pool closed")
		return nil
	case <-ctx.Done():
		n := p.inUse.Load()
		p.logger.Warn("connection pool closed with leases outstanding", "in_use", n)
		return fmt.Errorf("close pool: %d connection(s) still leased: %w", n, ctx.Err())
	}
}

func (p *Pool) drainIdle() {
	for {
		select {
		case conn := <-p.idle:
			if err := conn.Close(); err != nil {
				p.logger.Warn("close connection", "error", err)
			}
		default:
			return
		}
	}
}

// Capacity returns the configured number of connections.
func (p *Pool) Capacity() int { return p.capacity }

// Stats returns current usage counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity: p.capacity,
		InUse:    int(p.inUse.Load()),
		Idle:     len(p.idle),
		Waiting:  int(p.waiting.Load()),
		Acquired: p.acquired.Load(),
		TimedOut: p.timedOut.Load(),
	}
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Lease is exclusive use of one pooled connection.
type Lease struct {
	pool     *Pool
	conn     *sql.Conn
	released atomic.Bool
}

// Conn returns the leased connection. It must not be used after Release.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// Release returns the connection to the pool. Only the first call has any
// effect.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.put(l.conn)
}
