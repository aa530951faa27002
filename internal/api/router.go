// Package api serves the operational HTTP endpoints next to the Flight
// listener: health and readiness probes, Prometheus metrics and read-only
// views of the catalog and the connection pool.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"flydelta/internal/catalog"
	"flydelta/internal/domain"
	"flydelta/internal/middleware"
	"flydelta/internal/pool"
)

// Catalog lists the served tables.
type Catalog interface {
	List() []catalog.Descriptor
	Get(name string) (*catalog.TableEntry, bool)
}

// PoolStats reports connection pool usage.
type PoolStats interface {
	Stats() pool.Stats
	Closed() bool
}

// SchemaProber resolves the result schema of a query without running it.
type SchemaProber interface {
	Schema(ctx context.Context, sql string) (*arrow.Schema, error)
}

// Deps are the components the router reads from. Metrics may be nil.
type Deps struct {
	Catalog Catalog
	Pool    PoolStats
	Prober  SchemaProber
	Metrics http.Handler
	Logger  *slog.Logger
}

// Column describes one field of a table or query result.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table is the JSON form of a catalog entry.
type Table struct {
	Name     string   `json:"name"`
	Format   string   `json:"format,omitempty"`
	Location string   `json:"location,omitempty"`
	Columns  []Column `json:"columns"`
}

type schemaRequest struct {
	SQL string `json:"sql"`
}

type handler struct {
	deps Deps
}

// NewRouter builds the ops router.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(accessLog(deps.Logger))

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tables", h.listTables)
		r.Get("/tables/{name}", h.getTable)
		r.Get("/pool", h.poolStats)
		if deps.Prober != nil {
			r.Post("/schema", h.probeSchema)
		}
	})
	return r
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz fails once the pool has started shutting down so load balancers stop
// routing new queries here.
func (h *handler) readyz(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Pool.Closed() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"tables": len(h.deps.Catalog.List()),
	})
}

func (h *handler) listTables(w http.ResponseWriter, _ *http.Request) {
	descs := h.deps.Catalog.List()
	out := make([]Table, 0, len(descs))
	for _, d := range descs {
		out = append(out, Table{Name: d.Name, Columns: columnsOf(d.Schema)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": out})
}

func (h *handler) getTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, ok := h.deps.Catalog.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "table "+name+" not found")
		return
	}
	writeJSON(w, http.StatusOK, Table{
		Name:     entry.Name,
		Format:   string(entry.Dataset.Format),
		Location: entry.Dataset.Location,
		Columns:  columnsOf(entry.Schema),
	})
}

func (h *handler) poolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Pool.Stats())
}

func (h *handler) probeSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	schema, err := h.deps.Prober.Schema(r.Context(), req.SQL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": columnsOf(schema)})
}

func columnsOf(schema *arrow.Schema) []Column {
	if schema == nil {
		return []Column{}
	}
	cols := make([]Column, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		cols = append(cols, Column{Name: f.Name, Type: f.Type.String(), Nullable: f.Nullable})
	}
	return cols
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			id, _ := domain.RequestIDFromContext(r.Context())
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", id,
			)
		})
	}
}
