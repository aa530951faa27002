// Package stream turns a lazy batch source into a client response and
// guarantees that the connection behind it goes back to the pool exactly once,
// however the response ends.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
)

// State is the lifecycle position of a Responder.
type State int

const (
	StateStart State = iota
	StateStreaming
	StateDone
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s >= StateDone }

// Source is a single-pass sequence of record batches. The batch returned by
// RecordBatch is owned by the source until the next call to Next or Close.
// *engine.BatchReader satisfies it.
type Source interface {
	Schema() *arrow.Schema
	Next() bool
	RecordBatch() arrow.RecordBatch
	Err() error
	Close() error
}

// Releaser gives back the resource that backs a Source. *pool.Lease satisfies it.
type Releaser interface {
	Release()
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the logger used for terminal transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) { r.logger = logger }
}

// WithOnFinish registers a callback that runs once, after release, with the
// terminal state.
func WithOnFinish(fn func(State, *Responder)) Option {
	return func(r *Responder) { r.onFinish = fn }
}

// Responder drives a Source to one of three terminal states: Done after
// normal exhaustion, Failed after a source error, Abandoned when the consumer
// stops early or its context ends. Every terminal transition closes the source
// and calls Release exactly once.
type Responder struct {
	src      Source
	rel      Releaser
	logger   *slog.Logger
	onFinish func(State, *Responder)

	mu      sync.Mutex
	state   State
	err     error
	batches int64
	rows    int64
}

// New returns a responder in StateStart that owns src and rel.
func New(src Source, rel Releaser, opts ...Option) *Responder {
	r := &Responder{src: src, rel: rel, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Schema returns the schema of the source.
func (r *Responder) Schema() *arrow.Schema { return r.src.Schema() }

// Next returns the next batch, which the caller owns and must Release. It
// returns io.EOF after the last batch, the source error after a failure, or
// ctx.Err() if ctx ended; after any of these the connection has been released.
func (r *Responder) Next(ctx context.Context) (arrow.RecordBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateDone:
		return nil, io.EOF
	case StateFailed, StateAbandoned:
		return nil, r.err
	}

	if err := ctx.Err(); err != nil {
		r.finish(StateAbandoned, err)
		return nil, err
	}
	r.state = StateStreaming

	if r.src.Next() {
		rec := r.src.RecordBatch()
		rec.Retain()
		r.batches++
		r.rows += rec.NumRows()
		return rec, nil
	}

	if err := r.src.Err(); err != nil {
		// The engine aborts when the request context ends; that is the client
		// going away, not a query failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.finish(StateAbandoned, ctxErr)
			return nil, ctxErr
		}
		r.finish(StateFailed, err)
		return nil, err
	}
	r.finish(StateDone, nil)
	return nil, io.EOF
}

// Close abandons the response if it has not already reached a terminal state.
// It is safe to call at any time and more than once.
func (r *Responder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.finish(StateAbandoned, context.Canceled)
}

// finish must be called with mu held, once.
func (r *Responder) finish(state State, err error) {
	r.state = state
	r.err = err
	if cerr := r.src.Close(); cerr != nil {
		r.logger.Warn("close batch source", "error", cerr)
	}
	r.rel.Release()

	attrs := []any{"state", state.String(), "batches", r.batches, "rows", r.rows}
	switch state {
	case StateFailed:
		r.logger.Warn("stream failed", append(attrs, "error", err)...)
	case StateAbandoned:
		r.logger.Info("stream abandoned", append(attrs, "reason", err)...)
	default:
		r.logger.Debug("stream complete", attrs...)
	}
	if r.onFinish != nil {
		r.onFinish(state, r)
	}
}

// State returns the current state.
func (r *Responder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that ended a failed or abandoned response.
func (r *Responder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Batches returns the number of batches handed out.
func (r *Responder) Batches() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

// Rows returns the number of rows handed out.
func (r *Responder) Rows() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Pump sends every batch to ch and closes ch when the response ends. A source
// failure is sent as a final chunk with Err set. When ctx ends the pending
// batch is dropped and the response is abandoned, so a consumer that stops
// reading never strands the goroutine or the connection.
func (r *Responder) Pump(ctx context.Context, ch chan<- flight.StreamChunk) {
	defer close(ch)
	defer r.Close()

	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case ch <- flight.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- flight.StreamChunk{Data: rec}:
		case <-ctx.Done():
			rec.Release()
			return
		}
	}
}

// WriteTo writes every batch with write until the response ends. write does
// not take ownership of the batch. It returns nil after the last batch.
func (r *Responder) WriteTo(ctx context.Context, write func(arrow.RecordBatch) error) error {
	defer r.Close()
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
}
