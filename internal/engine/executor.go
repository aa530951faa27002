package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"flydelta/internal/ddl"
	"flydelta/internal/domain"
)

// Querier runs a query. *sql.DB and *sql.Conn both satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Session also runs statements that return no rows, such as ATTACH.
type Session interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Compile-time interface checks.
var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Conn)(nil)
	_ Session = (*sql.DB)(nil)
)

// ProbeSchema returns the result schema of query without producing rows.
func ProbeSchema(ctx context.Context, q Querier, query string) (*arrow.Schema, error) {
	probe, err := ddl.ProbeQuery(query)
	if err != nil {
		return nil, domain.ErrValidation("%v", err)
	}
	rows, err := q.QueryContext(ctx, probe)
	if err != nil {
		return nil, domain.ErrQuery(query, "probe", err)
	}
	defer rows.Close() //nolint:errcheck

	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, domain.ErrQuery(query, "probe", fmt.Errorf("read column types: %w", err))
	}
	schema, _ := schemaFromColumnTypes(cts)
	return schema, nil
}

// ExecuteStreaming starts query and returns a reader that materializes at most
// batchSize rows per record batch, on demand.
func ExecuteStreaming(ctx context.Context, q Querier, query string, batchSize int, alloc memory.Allocator) (*BatchReader, error) {
	if batchSize < 1 {
		return nil, domain.ErrValidation("batch size must be at least 1, got %d", batchSize)
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.ErrQuery(query, "execute", err)
	}
	cts, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, domain.ErrQuery(query, "execute", fmt.Errorf("read column types: %w", err))
	}
	schema, cols := schemaFromColumnTypes(cts)

	return &BatchReader{
		rows:      rows,
		schema:    schema,
		cols:      cols,
		builder:   array.NewRecordBuilder(alloc, schema),
		alloc:     alloc,
		batchSize: batchSize,
		query:     query,
	}, nil
}

// BatchReader is a lazy, single-pass sequence of record batches over a query
// result. It follows the array.RecordReader contract: the batch returned by
// RecordBatch is owned by the reader and valid until the next call to Next or
// Close; callers that keep it must Retain it.
type BatchReader struct {
	rows      *sql.Rows
	schema    *arrow.Schema
	cols      []column
	builder   *array.RecordBuilder
	alloc     memory.Allocator
	batchSize int
	query     string

	cur     arrow.RecordBatch
	err     error
	done    bool
	closed  bool
	batches int64
	total   int64
}

// Schema returns the result schema.
func (r *BatchReader) Schema() *arrow.Schema { return r.schema }

// Relabel makes the reader produce batches under schema, so the column names a
// client was given by the schema probe are the ones it receives. schema must
// have the same column types in the same order, and no batch may have been
// produced yet.
func (r *BatchReader) Relabel(schema *arrow.Schema) error {
	if r.batches > 0 || r.cur != nil {
		return fmt.Errorf("relabel after the first batch")
	}
	if !sameTypes(r.schema, schema) {
		return fmt.Errorf("result schema %s does not match probed schema %s", r.schema, schema)
	}
	r.builder.Release()
	r.builder = array.NewRecordBuilder(r.alloc, schema)
	r.schema = schema
	return nil
}

// sameTypes reports whether two schemas have the same column types in the same
// order. Names are not compared: wrapping a query in a subquery renames
// duplicate columns.
func sameTypes(a, b *arrow.Schema) bool {
	if a.NumFields() != b.NumFields() {
		return false
	}
	for i := range a.NumFields() {
		if !arrow.TypeEqual(a.Field(i).Type, b.Field(i).Type) {
			return false
		}
	}
	return true
}

// Next materializes the next batch. It returns false when the result is
// exhausted or the engine failed; Err tells the two apart.
func (r *BatchReader) Next() bool {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	if r.done || r.closed {
		return false
	}

	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	count := 0
	for count < r.batchSize && r.rows.Next() {
		if err := r.rows.Scan(ptrs...); err != nil {
			r.fail(fmt.Errorf("scan row: %w", err))
			return false
		}
		for i, v := range vals {
			if err := appendValue(r.builder.Field(i), r.cols[i], v); err != nil {
				r.fail(fmt.Errorf("column %q: %w", r.cols[i].name, err))
				return false
			}
		}
		count++
	}
	if count < r.batchSize {
		if err := r.rows.Err(); err != nil {
			r.fail(err)
			return false
		}
		r.done = true
	}
	if count == 0 {
		return false
	}

	r.cur = r.builder.NewRecordBatch()
	r.batches++
	r.total += int64(count)
	return true
}

// RecordBatch returns the current batch.
func (r *BatchReader) RecordBatch() arrow.RecordBatch { return r.cur }

// Err returns the failure that ended the sequence, or nil after normal exhaustion.
// Failures before the first batch are reported in the "execute" phase, later
// ones in the "stream" phase.
func (r *BatchReader) Err() error { return r.err }

// Batches returns the number of batches produced so far.
func (r *BatchReader) Batches() int64 { return r.batches }

// Rows returns the number of rows produced so far.
func (r *BatchReader) Rows() int64 { return r.total }

// Close releases the current batch and the underlying result. It is safe to call
// more than once.
func (r *BatchReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	r.builder.Release()
	return r.rows.Close()
}

func (r *BatchReader) fail(err error) {
	// Drop any partially built batch.
	r.builder.NewRecordBatch().Release()
	phase := "stream"
	if r.batches == 0 {
		phase = "execute"
	}
	r.err = domain.ErrQuery(r.query, phase, err)
	r.done = true
}
