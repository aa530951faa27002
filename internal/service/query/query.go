// Package query implements the two request phases: Info probes a query's
// schema and hands back a ticket, Data executes the ticket and streams the
// result. Both lease a pooled connection for exactly as long as they need it.
package query

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"flydelta/internal/catalog"
	"flydelta/internal/config"
	"flydelta/internal/domain"
	"flydelta/internal/engine"
	"flydelta/internal/metrics"
	"flydelta/internal/pool"
	"flydelta/internal/stream"
)

// ConnPool leases pooled connections. *pool.Pool satisfies it.
type ConnPool interface {
	Acquire(ctx context.Context) (*pool.Lease, error)
}

// Options configure a Service.
type Options struct {
	BatchSize int    // rows per record batch (default config.DefaultBatchSize)
	Location  string // endpoint location advertised in Info; empty means reuse the connection
	Allocator memory.Allocator
	Logger    *slog.Logger
}

// Info is the answer to the info phase.
type Info struct {
	Schema   *arrow.Schema
	Ticket   []byte
	Location string
}

// Service serves queries against the catalog through the pool.
type Service struct {
	pool      ConnPool
	catalog   *catalog.Catalog
	batchSize int
	location  string
	alloc     memory.Allocator
	logger    *slog.Logger
}

// NewService creates a new Service.
func NewService(p ConnPool, cat *catalog.Catalog, opts Options) *Service {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = config.DefaultBatchSize
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:      p,
		catalog:   cat,
		batchSize: batch,
		location:  opts.Location,
		alloc:     alloc,
		logger:    logger,
	}
}

// BatchSize returns the configured rows per batch.
func (s *Service) BatchSize() int { return s.batchSize }

// Location returns the advertised endpoint location.
func (s *Service) Location() string { return s.location }

// Info probes sql and returns its schema with a ticket for the data phase.
// The connection is released before Info returns.
func (s *Service) Info(ctx context.Context, sql string) (*Info, error) {
	schema, err := s.probe(ctx, "info", sql)
	if err != nil {
		return nil, err
	}
	return &Info{Schema: schema, Ticket: EncodeTicket(sql), Location: s.location}, nil
}

// Schema probes sql and returns its result schema.
func (s *Service) Schema(ctx context.Context, sql string) (*arrow.Schema, error) {
	return s.probe(ctx, "schema", sql)
}

func (s *Service) probe(ctx context.Context, phase, sql string) (*arrow.Schema, error) {
	logger := s.requestLogger(ctx, phase)
	start := time.Now()
	if strings.TrimSpace(sql) == "" {
		err := domain.ErrValidation("sql query is required")
		s.observe(phase, start, err)
		return nil, err
	}

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		logger.Warn("acquire connection", "error", err)
		s.observe(phase, start, err)
		return nil, err
	}
	defer lease.Release()

	schema, err := engine.ProbeSchema(ctx, lease.Conn(), sql)
	s.observe(phase, start, err)
	if err != nil {
		logger.Info("probe failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	logger.Debug("probe complete", "columns", schema.NumFields(), "duration", time.Since(start))
	return schema, nil
}

// Data decodes ticket and starts streaming its result. The returned responder
// owns the connection lease; the caller must drive it to completion or Close
// it. On error no lease is held.
func (s *Service) Data(ctx context.Context, ticket []byte) (*arrow.Schema, *stream.Responder, error) {
	sql, err := DecodeTicket(ticket)
	if err != nil {
		s.observe("data", time.Now(), err)
		return nil, nil, err
	}
	return s.Stream(ctx, sql)
}

// Stream probes and executes sql on one leased connection and returns a
// responder over its result batches.
func (s *Service) Stream(ctx context.Context, sql string) (*arrow.Schema, *stream.Responder, error) {
	logger := s.requestLogger(ctx, "data")
	start := time.Now()
	if strings.TrimSpace(sql) == "" {
		err := domain.ErrValidation("sql query is required")
		s.observe("data", start, err)
		return nil, nil, err
	}

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		logger.Warn("acquire connection", "error", err)
		s.observe("data", start, err)
		return nil, nil, err
	}

	resp, err := s.execute(ctx, lease, sql, logger, start)
	s.observe("data", start, err)
	if err != nil {
		lease.Release()
		logger.Info("execute failed", "error", err)
		return nil, nil, err
	}
	return resp.Schema(), resp, nil
}

func (s *Service) execute(ctx context.Context, lease *pool.Lease, sql string, logger *slog.Logger, start time.Time) (*stream.Responder, error) {
	probed, err := engine.ProbeSchema(ctx, lease.Conn(), sql)
	if err != nil {
		return nil, err
	}
	reader, err := engine.ExecuteStreaming(ctx, lease.Conn(), sql, s.batchSize, s.alloc)
	if err != nil {
		return nil, err
	}
	if err := reader.Relabel(probed); err != nil {
		_ = reader.Close()
		return nil, domain.ErrQuery(sql, "execute", err)
	}

	return stream.New(reader, lease,
		stream.WithLogger(logger),
		stream.WithOnFinish(func(state stream.State, r *stream.Responder) {
			metrics.ObserveStream(state.String(), r.Batches(), r.Rows(), time.Since(start))
		}),
	), nil
}

// Tables lists the catalog. The result is informational and carries no endpoints.
func (s *Service) Tables() []catalog.Descriptor {
	return s.catalog.List()
}

// Catalog returns the served catalog.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

func (s *Service) requestLogger(ctx context.Context, phase string) *slog.Logger {
	id, ok := domain.RequestIDFromContext(ctx)
	if !ok {
		id = uuid.NewString()
	}
	return s.logger.With("request_id", id, "phase", phase)
}

func (s *Service) observe(phase string, start time.Time, err error) {
	metrics.ObserveQuery(phase, Outcome(err), time.Since(start))
}

// Outcome classifies an error for metrics labels.
func Outcome(err error) string {
	var (
		ve *domain.ValidationError
		qe *domain.QueryError
		ce *domain.PoolClosedError
		te *domain.PoolTimeoutError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &ve), errors.As(err, &qe):
		return "invalid"
	case errors.As(err, &ce), errors.As(err, &te):
		return "unavailable"
	default:
		return "error"
	}
}
