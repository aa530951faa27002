package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"flydelta/internal/domain"
)

// Error is the JSON body of every non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var validation *domain.ValidationError
	var query *domain.QueryError
	var closed *domain.PoolClosedError
	var timeout *domain.PoolTimeoutError

	switch {
	case errors.As(err, &validation), errors.As(err, &query):
		return http.StatusBadRequest
	case errors.As(err, &closed):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeout):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Error{Code: status, Message: msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, httpStatusFromDomainError(err), err.Error())
}
