// Package domain defines the error kinds and request-scoped values shared by the query proxy.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// LoadError indicates a configured table could not be opened at startup.
// It is fatal: the server never starts with a partial catalog.
type LoadError struct {
	Table    string
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load table %q from %s: %v", e.Table, e.Location, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// QueryError indicates the engine rejected or failed a query. Phase is one of
// "probe", "execute" or "stream".
type QueryError struct {
	Query string
	Phase string
	Err   error
}

func (e *QueryError) Error() string {
	if e.Phase == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// PoolClosedError is returned by acquisitions attempted after shutdown began.
type PoolClosedError struct{}

func (e *PoolClosedError) Error() string { return "connection pool is closed" }

// PoolTimeoutError is returned when a bounded acquisition wait elapses.
type PoolTimeoutError struct {
	Waited time.Duration
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("no connection available after %s", e.Waited)
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrLoad creates a LoadError for the given table.
func ErrLoad(table, location string, err error) *LoadError {
	return &LoadError{Table: table, Location: location, Err: err}
}

// ErrQuery creates a QueryError for the given phase.
func ErrQuery(query, phase string, err error) *QueryError {
	return &QueryError{Query: query, Phase: phase, Err: err}
}

// IsQueryError reports whether err wraps a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}
