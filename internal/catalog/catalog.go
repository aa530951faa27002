// Package catalog holds the fixed set of tables the proxy serves. It is built
// once at startup and is read-only afterwards.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"

	"flydelta/internal/config"
	"flydelta/internal/ddl"
	"flydelta/internal/domain"
	"flydelta/internal/engine"
)

const defaultConcurrency = 8

// Dataset is the resolved storage behind a table, pinned to what existed when
// the catalog was loaded.
type Dataset struct {
	Format   ddl.Format
	Location string
	Scan     string   // what the table view selects from, e.g. read_parquet(['a.parquet', 'b.parquet'])
	Files    []string // files read by parquet and csv tables
}

// TableEntry is one queryable table.
type TableEntry struct {
	Name    string
	Schema  *arrow.Schema
	Dataset Dataset
}

// Descriptor is the informational view of a table returned to clients.
type Descriptor struct {
	Name   string
	Schema *arrow.Schema
}

// LocationChecker verifies that a table location exists before it is probed.
type LocationChecker interface {
	Check(ctx context.Context, location string, format ddl.Format) error
}

// LoadOptions tune Load.
type LoadOptions struct {
	Checker     LocationChecker // nil skips location checks
	Concurrency int             // tables probed in parallel (default 8)
	Logger      *slog.Logger
}

// Catalog maps table names to entries. It is safe for concurrent use because
// nothing mutates it after Load returns.
type Catalog struct {
	entries map[string]*TableEntry
	names   []string
}

// Load resolves and probes every table spec. The first failure cancels the
// remaining work and is returned as a *domain.LoadError; no partial catalog is
// ever returned.
func Load(ctx context.Context, q engine.Session, specs []config.TableSpec, opts LoadOptions) (*Catalog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := ddl.ValidateIdentifier(spec.Name); err != nil {
			return nil, domain.ErrLoad(spec.Name, spec.Location, err)
		}
		if seen[spec.Name] {
			return nil, domain.ErrLoad(spec.Name, spec.Location, fmt.Errorf("duplicate table name"))
		}
		seen[spec.Name] = true
	}

	entries := make([]*TableEntry, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range specs {
		spec := specs[i]
		g.Go(func() error {
			entry, err := loadTable(gctx, q, spec, opts.Checker)
			if err != nil {
				return err
			}
			entries[i] = entry
			logger.Info("table loaded",
				"table", entry.Name,
				"format", entry.Dataset.Format,
				"location", entry.Dataset.Location,
				"files", len(entry.Dataset.Files),
				"columns", entry.Schema.NumFields())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var le *domain.LoadError
		if errors.As(err, &le) {
			return nil, le
		}
		return nil, err
	}

	return newCatalog(entries), nil
}

// New builds a catalog from already resolved entries. It panics on duplicate
// names; use Load for untrusted input.
func New(entries ...*TableEntry) *Catalog {
	for i, e := range entries {
		for _, other := range entries[:i] {
			if other.Name == e.Name {
				panic(fmt.Sprintf("catalog: duplicate table %q", e.Name))
			}
		}
	}
	return newCatalog(entries)
}

func newCatalog(entries []*TableEntry) *Catalog {
	c := &Catalog{
		entries: make(map[string]*TableEntry, len(entries)),
		names:   make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		c.entries[e.Name] = e
		c.names = append(c.names, e.Name)
	}
	sort.Strings(c.names)
	return c
}

func loadTable(ctx context.Context, q engine.Session, spec config.TableSpec, checker LocationChecker) (*TableEntry, error) {
	location := strings.TrimSpace(spec.Location)
	fail := func(err error) error { return domain.ErrLoad(spec.Name, location, err) }

	if location == "" {
		return nil, fail(fmt.Errorf("location is required"))
	}
	format, err := ddl.ParseFormat(spec.Format)
	if err != nil {
		return nil, fail(err)
	}
	if format == "" {
		format = ddl.InferFormat(location)
	}
	if _, err := ddl.ScanExpression(format, location); err != nil {
		return nil, fail(err)
	}
	if checker != nil {
		if err := checker.Check(ctx, location, format); err != nil {
			return nil, fail(err)
		}
	}
	scan, files, err := pinScan(ctx, q, spec.Name, format, location)
	if err != nil {
		return nil, fail(err)
	}

	schema, err := engine.ProbeSchema(ctx, q, ddl.SelectAll(scan))
	if err != nil {
		// The probe query is internal; report the engine's cause, not the wrapper.
		var qe *domain.QueryError
		if errors.As(err, &qe) {
			err = qe.Err
		}
		return nil, fail(err)
	}
	if schema.NumFields() == 0 {
		return nil, fail(fmt.Errorf("table has no columns"))
	}

	return &TableEntry{
		Name:   spec.Name,
		Schema: schema,
		Dataset: Dataset{
			Format:   format,
			Location: location,
			Scan:     scan,
			Files:    files,
		},
	}, nil
}

// pinScan resolves the scan for a table so that later writes to its location
// are not visible: file tables read the files that exist now, Delta tables are
// attached at their current version and Iceberg tables read their newest
// snapshot.
func pinScan(ctx context.Context, s engine.Session, name string, format ddl.Format, location string) (string, []string, error) {
	switch format {
	case ddl.FormatParquet, ddl.FormatCSV:
		pattern, err := ddl.FilePattern(format, location)
		if err != nil {
			return "", nil, err
		}
		files := []string{pattern}
		if ddl.HasGlob(pattern) {
			files, err = listFiles(ctx, s, pattern)
			if err != nil {
				return "", nil, err
			}
			if len(files) == 0 {
				return "", nil, fmt.Errorf("no files match %s", pattern)
			}
		}
		scan, err := ddl.FileListScan(format, files)
		return scan, files, err

	case ddl.FormatDelta:
		alias := ddl.SnapshotAlias(name)
		stmt, err := ddl.AttachDelta(alias, location)
		if err != nil {
			return "", nil, err
		}
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return "", nil, fmt.Errorf("pin delta snapshot: %w", err)
		}
		return ddl.QuoteIdentifier(alias), nil, nil

	case ddl.FormatIceberg:
		scan, err := ddl.ScanExpression(format, location)
		if err != nil || strings.HasSuffix(strings.ToLower(location), ".metadata.json") {
			// A metadata file already names one snapshot.
			return scan, nil, err
		}
		id, ok, err := latestSnapshot(ctx, s, location)
		if err != nil {
			return "", nil, fmt.Errorf("resolve iceberg snapshot: %w", err)
		}
		if !ok {
			return scan, nil, nil
		}
		return ddl.IcebergScanAt(location, id), nil, nil

	default:
		return "", nil, fmt.Errorf("unsupported table format: %q", format)
	}
}

func listFiles(ctx context.Context, q engine.Querier, pattern string) ([]string, error) {
	rows, err := q.QueryContext(ctx, ddl.ListFiles(pattern))
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

func latestSnapshot(ctx context.Context, q engine.Querier, location string) (int64, bool, error) {
	rows, err := q.QueryContext(ctx, ddl.LatestIcebergSnapshot(location))
	if err != nil {
		return 0, false, err
	}
	defer rows.Close() //nolint:errcheck

	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Get returns the entry for name.
func (c *Catalog) Get(name string) (*TableEntry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Entries returns every entry sorted by name.
func (c *Catalog) Entries() []*TableEntry {
	out := make([]*TableEntry, len(c.names))
	for i, n := range c.names {
		out[i] = c.entries[n]
	}
	return out
}

// List returns a descriptor per table, sorted by name.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, len(c.names))
	for i, n := range c.names {
		e := c.entries[n]
		out[i] = Descriptor{Name: e.Name, Schema: e.Schema}
	}
	return out
}

// Names returns the table names, sorted.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of tables.
func (c *Catalog) Len() int { return len(c.names) }

// Formats returns the distinct formats of the given specs, inferring where unset.
// Unknown format names are skipped; Load reports them.
func Formats(specs []config.TableSpec) []ddl.Format {
	seen := map[ddl.Format]bool{}
	var out []ddl.Format
	for _, s := range specs {
		f, err := ddl.ParseFormat(s.Format)
		if err != nil {
			continue
		}
		if f == "" {
			f = ddl.InferFormat(s.Location)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Schemes returns the distinct location schemes of the given specs.
func Schemes(specs []config.TableSpec) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range specs {
		scheme := ddl.Scheme(strings.TrimSpace(s.Location))
		if !seen[scheme] {
			seen[scheme] = true
			out = append(out, scheme)
		}
	}
	return out
}
