// Package engine wraps the embedded DuckDB database: bootstrap, schema probing
// and streaming execution into Arrow record batches.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"flydelta/internal/config"
	"flydelta/internal/ddl"
)

// Execer runs a statement. *sql.DB and *sql.Conn both satisfy it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Settings describes how to prepare the shared DuckDB instance.
type Settings struct {
	MaxMemory string
	Threads   int
	Formats   []ddl.Format // table formats in use, for extension loading
	Schemes   []string     // location schemes in use, for extensions and secrets
	Storage   config.StorageConfig
}

// Open creates the in-memory DuckDB instance shared by the loader and the pool,
// then applies settings, extensions and secrets.
func Open(ctx context.Context, s Settings, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if err := Configure(ctx, db, s, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Configure applies settings, installs the extensions the configured tables need,
// and creates storage secrets for the schemes in use.
func Configure(ctx context.Context, db Execer, s Settings, logger *slog.Logger) error {
	if s.MaxMemory != "" {
		if err := setSetting(ctx, db, "max_memory", s.MaxMemory); err != nil {
			return err
		}
	}
	if s.Threads > 0 {
		if err := setSetting(ctx, db, "threads", strconv.Itoa(s.Threads)); err != nil {
			return err
		}
	}
	if err := InstallExtensions(ctx, db, s.Formats, s.Schemes); err != nil {
		return err
	}
	logger.Info("duckdb configured",
		"extensions", len(ddl.Extensions(s.Formats, s.Schemes)),
		"max_memory", s.MaxMemory,
		"threads", s.Threads)
	return CreateSecrets(ctx, db, s.Storage, s.Schemes, logger)
}

// InstallExtensions installs and loads the DuckDB extensions needed to read the
// given formats from the given schemes.
func InstallExtensions(ctx context.Context, db Execer, formats []ddl.Format, schemes []string) error {
	for _, ext := range ddl.Extensions(formats, schemes) {
		if _, err := db.ExecContext(ctx, ext); err != nil {
			return fmt.Errorf("extension setup (%s): %w", ext, err)
		}
	}
	return nil
}

func setSetting(ctx context.Context, db Execer, name, value string) error {
	stmt, err := ddl.SetSetting(name, value)
	if err != nil {
		return fmt.Errorf("build DDL: %w", err)
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}
