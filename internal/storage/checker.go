package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"flydelta/internal/config"
	"flydelta/internal/ddl"
)

// ErrNotFound is wrapped by Check when a location or its table marker is missing.
var ErrNotFound = errors.New("table location not found")

// Backend answers whether any object exists under a prefix in one bucket.
type Backend interface {
	Exists(ctx context.Context, bucket, prefix string) (bool, error)
}

// Checker verifies table locations exist. Object stores without configured
// credentials are skipped and left to DuckDB to report.
type Checker struct {
	backends map[string]Backend
	closers  []func() error
	logger   *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithBackend registers a backend for a scheme ("s3", "gs" or "az").
func WithBackend(scheme string, b Backend) Option {
	return func(c *Checker) { c.backends[scheme] = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// NewChecker builds a Checker with a backend for every object store that has
// credentials in cfg.
func NewChecker(ctx context.Context, cfg config.StorageConfig, opts ...Option) (*Checker, error) {
	c := &Checker{backends: map[string]Backend{}, logger: slog.Default()}
	if cfg.HasS3() {
		c.backends["s3"] = NewS3Backend(cfg)
	}
	if cfg.GCSKeyFile != "" {
		b, err := NewGCSBackend(ctx, cfg.GCSKeyFile)
		if err != nil {
			return nil, err
		}
		c.backends["gs"] = b
		c.closers = append(c.closers, b.Close)
	}
	if cfg.HasAzure() {
		b, err := NewAzureBackend(cfg)
		if err != nil {
			return nil, err
		}
		c.backends["az"] = b
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases backend clients.
func (c *Checker) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// Check verifies that location holds a table of the given format. Delta tables
// must contain _delta_log; Iceberg directories must contain metadata; file formats
// must resolve to at least one object.
func (c *Checker) Check(ctx context.Context, location string, format ddl.Format) error {
	loc, err := ParseLocation(ddl.NormalizeLocation(location))
	if err != nil {
		return err
	}
	target := markerFor(loc, format)

	if loc.IsLocal() {
		return checkLocal(target, format)
	}
	backend, ok := c.backends[loc.Scheme]
	if !ok {
		c.logger.Debug("skipping location check", "location", location, "scheme", loc.Scheme)
		return nil
	}
	prefix, _ := staticPrefix(target.Key)
	found, err := backend.Exists(ctx, target.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("check %s: %w", location, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, describe(target, format))
	}
	return nil
}

func markerFor(loc Location, format ddl.Format) Location {
	switch format {
	case ddl.FormatDelta:
		return loc.Join("_delta_log/")
	case ddl.FormatIceberg:
		if strings.HasSuffix(loc.Key, ".json") {
			return loc
		}
		return loc.Join("metadata/")
	default:
		return loc
	}
}

func describe(target Location, format ddl.Format) string {
	switch format {
	case ddl.FormatDelta:
		return "no Delta transaction log at " + target.Raw
	case ddl.FormatIceberg:
		return "no Iceberg metadata at " + target.Raw
	default:
		return "nothing at " + target.Raw
	}
}

func checkLocal(target Location, format ddl.Format) error {
	path := target.Key
	if prefix, glob := staticPrefix(path); glob {
		path = prefix
		if path == "" {
			path = "."
		}
	}
	_, err := os.Stat(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		if format == ddl.FormatDelta {
			return fmt.Errorf("%w: no Delta transaction log at %s", ErrNotFound, filepath.Dir(filepath.Clean(path)))
		}
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return nil
}
