// Package config handles server configuration from the environment, flags and a tables file.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"flydelta/internal/ddl"
)

const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8815
	DefaultPoolSize  = 10
	DefaultBatchSize = 100_000
)

// TableSpec names one table to register at startup.
type TableSpec struct {
	Name     string
	Location string
	Format   string // empty means infer from the location
}

// StorageConfig holds optional object-store credentials. Empty fields mean
// "not configured"; DuckDB and the location checks then fall back to anonymous
// or ambient credentials.
type StorageConfig struct {
	S3KeyID    string
	S3Secret   string
	S3Endpoint string
	S3Region   string
	S3URLStyle string

	GCSKeyFile    string // service account JSON used for location checks
	GCSHMACKeyID  string // HMAC key used by DuckDB
	GCSHMACSecret string

	AzureAccountName      string
	AzureAccountKey       string
	AzureConnectionString string
}

// HasS3 returns true when static S3 credentials are set.
func (s *StorageConfig) HasS3() bool { return s.S3KeyID != "" && s.S3Secret != "" }

// HasGCSHMAC returns true when GCS HMAC keys are set.
func (s *StorageConfig) HasGCSHMAC() bool { return s.GCSHMACKeyID != "" && s.GCSHMACSecret != "" }

// HasAzure returns true when Azure credentials are set.
func (s *StorageConfig) HasAzure() bool {
	return s.AzureConnectionString != "" || (s.AzureAccountName != "" && s.AzureAccountKey != "")
}

// Config holds the configuration for the Flight server.
type Config struct {
	Host              string
	Port              int
	AdvertiseLocation string // endpoint location returned to clients (default grpc://host:port)

	PoolSize       int
	BatchSize      int
	AcquireTimeout time.Duration // 0 waits indefinitely

	Tables     []TableSpec
	TablesFile string

	LogLevel  string // debug, info, warn, error (default "info")
	LogFormat string // json (default) or text

	MetricsAddr string // ops HTTP listen address; empty disables it

	RateLimitRPS   float64 // 0 disables rate limiting
	RateLimitBurst int

	DuckDBMaxMemory string
	DuckDBThreads   int

	SkipLocationCheck bool

	Storage StorageConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// Default returns a configuration with every default applied and no tables.
func Default() *Config {
	return &Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		PoolSize:  DefaultPoolSize,
		BatchSize: DefaultBatchSize,
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ListenAddr returns host:port for the gRPC listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Location returns the URI clients should use to fetch data.
func (c *Config) Location() string {
	if c.AdvertiseLocation != "" {
		return c.AdvertiseLocation
	}
	return "grpc://" + c.ListenAddr()
}

// LoadFromEnv loads configuration from environment variables.
// Tables come from TABLES_FILE first, then TABLES (name=uri,name=uri); later
// sources replace earlier ones with the same name.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	cfg.AdvertiseLocation = os.Getenv("ADVERTISE_LOCATION")
	cfg.TablesFile = os.Getenv("TABLES_FILE")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.DuckDBMaxMemory = os.Getenv("DUCKDB_MAX_MEMORY")
	cfg.SkipLocationCheck = parseBoolEnvDefault("SKIP_LOCATION_CHECK", false)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"POOL_SIZE", &cfg.PoolSize},
		{"BATCH_SIZE", &cfg.BatchSize},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst},
		{"DUCKDB_THREADS", &cfg.DuckDBThreads},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", i.key, v, err)
		}
		*i.dst = n
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS %q: %w", v, err)
		}
		cfg.RateLimitRPS = f
	}
	if v := os.Getenv("ACQUIRE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ACQUIRE_TIMEOUT %q: %w", v, err)
		}
		cfg.AcquireTimeout = d
	}

	cfg.Storage = StorageConfig{
		S3KeyID:               os.Getenv("S3_KEY_ID"),
		S3Secret:              os.Getenv("S3_SECRET"),
		S3Endpoint:            os.Getenv("S3_ENDPOINT"),
		S3Region:              os.Getenv("S3_REGION"),
		S3URLStyle:            os.Getenv("S3_URL_STYLE"),
		GCSKeyFile:            os.Getenv("GCS_KEY_FILE"),
		GCSHMACKeyID:          os.Getenv("GCS_HMAC_KEY_ID"),
		GCSHMACSecret:         os.Getenv("GCS_HMAC_SECRET"),
		AzureAccountName:      os.Getenv("AZURE_ACCOUNT_NAME"),
		AzureAccountKey:       os.Getenv("AZURE_ACCOUNT_KEY"),
		AzureConnectionString: os.Getenv("AZURE_CONNECTION_STRING"),
	}
	if (cfg.Storage.S3KeyID == "") != (cfg.Storage.S3Secret == "") {
		cfg.Warnings = append(cfg.Warnings, "S3_KEY_ID and S3_SECRET must be set together; ignoring S3 credentials")
		cfg.Storage.S3KeyID, cfg.Storage.S3Secret = "", ""
	}

	if cfg.TablesFile != "" {
		tables, err := LoadTablesFile(cfg.TablesFile)
		if err != nil {
			return nil, err
		}
		cfg.Tables = MergeTables(cfg.Tables, tables)
	}
	if v := os.Getenv("TABLES"); v != "" {
		tables, err := ParseTableFlags(compactNonEmpty(splitTrim(v, ",")))
		if err != nil {
			return nil, fmt.Errorf("TABLES: %w", err)
		}
		cfg.Tables = MergeTables(cfg.Tables, tables)
	}

	return cfg, nil
}

// RegisterFlags defines the serve flags on fs with the built-in defaults.
// Values are only applied when a flag was set explicitly; see ApplyFlags.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("host", "H", d.Host, "Host to bind to")
	fs.IntP("port", "p", d.Port, "Port to bind to")
	fs.String("advertise-location", "", "Location returned in flight endpoints (default grpc://host:port)")
	fs.StringArrayP("table", "t", nil, "Table in name=uri format (repeatable)")
	fs.String("tables-file", "", "YAML file describing tables")
	fs.Int("pool-size", d.PoolSize, "Number of pooled DuckDB connections")
	fs.Int("batch-size", d.BatchSize, "Maximum rows per streamed record batch")
	fs.Duration("acquire-timeout", 0, "Maximum wait for a pooled connection (0 waits indefinitely)")
	fs.String("metrics-addr", "", "Listen address for /metrics and health endpoints")
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.Bool("skip-location-check", false, "Skip storage existence checks at startup")
}

// ApplyFlags overrides cfg with every flag the user set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	get := func(name string, fn func() error) {
		if err == nil && fs.Changed(name) {
			err = fn()
		}
	}
	get("host", func() (e error) { c.Host, e = fs.GetString("host"); return })
	get("port", func() (e error) { c.Port, e = fs.GetInt("port"); return })
	get("advertise-location", func() (e error) { c.AdvertiseLocation, e = fs.GetString("advertise-location"); return })
	get("pool-size", func() (e error) { c.PoolSize, e = fs.GetInt("pool-size"); return })
	get("batch-size", func() (e error) { c.BatchSize, e = fs.GetInt("batch-size"); return })
	get("acquire-timeout", func() (e error) { c.AcquireTimeout, e = fs.GetDuration("acquire-timeout"); return })
	get("metrics-addr", func() (e error) { c.MetricsAddr, e = fs.GetString("metrics-addr"); return })
	get("log-level", func() (e error) { c.LogLevel, e = fs.GetString("log-level"); return })
	get("skip-location-check", func() (e error) { c.SkipLocationCheck, e = fs.GetBool("skip-location-check"); return })
	get("tables-file", func() error {
		path, e := fs.GetString("tables-file")
		if e != nil {
			return e
		}
		tables, e := LoadTablesFile(path)
		if e != nil {
			return e
		}
		c.TablesFile = path
		c.Tables = MergeTables(c.Tables, tables)
		return nil
	})
	get("table", func() error {
		raw, e := fs.GetStringArray("table")
		if e != nil {
			return e
		}
		tables, e := ParseTableFlags(raw)
		if e != nil {
			return e
		}
		c.Tables = MergeTables(c.Tables, tables)
		return nil
	})
	return err
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.PoolSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire timeout must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log format must be json or text, got %q", c.LogFormat)
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if err := ddl.ValidateIdentifier(t.Name); err != nil {
			return fmt.Errorf("table %q: %w", t.Name, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("table %q is configured twice", t.Name)
		}
		seen[t.Name] = true
		if strings.TrimSpace(t.Location) == "" {
			return fmt.Errorf("table %q: location is required", t.Name)
		}
		if _, err := ddl.ParseFormat(t.Format); err != nil {
			return fmt.Errorf("table %q: %w", t.Name, err)
		}
	}
	return nil
}

// ParseTableFlags parses name=uri pairs.
func ParseTableFlags(values []string) ([]TableSpec, error) {
	tables := make([]TableSpec, 0, len(values))
	for _, v := range values {
		name, uri, ok := strings.Cut(v, "=")
		name, uri = strings.TrimSpace(name), strings.TrimSpace(uri)
		if !ok || name == "" || uri == "" {
			return nil, fmt.Errorf("invalid table format: %s. Use name=uri", v)
		}
		tables = append(tables, TableSpec{Name: name, Location: uri})
	}
	return tables, nil
}

// MergeTables appends next to base; an entry in next replaces a base entry with the
// same name in place.
func MergeTables(base, next []TableSpec) []TableSpec {
	out := append([]TableSpec(nil), base...)
	for _, t := range next {
		replaced := false
		for i := range out {
			if out[i].Name == t.Name {
				out[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, t)
		}
	}
	return out
}

type tablesFile struct {
	Tables yaml.Node `yaml:"tables"`
}

type tableFileEntry struct {
	Location string `yaml:"location"`
	Format   string `yaml:"format"`
}

// LoadTablesFile reads a YAML tables file. Each entry is either a bare location
// or a mapping with location and format:
//
//	tables:
//	  users: s3://lake/users
//	  events:
//	    location: /data/events
//	    format: parquet
func LoadTablesFile(path string) ([]TableSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	var doc tablesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tables file %s: %w", path, err)
	}
	if doc.Tables.Kind == 0 {
		return nil, nil
	}
	if doc.Tables.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse tables file %s: tables must be a mapping", path)
	}

	nodes := doc.Tables.Content
	tables := make([]TableSpec, 0, len(nodes)/2)
	for i := 0; i+1 < len(nodes); i += 2 {
		name := nodes[i].Value
		val := nodes[i+1]
		var entry tableFileEntry
		switch val.Kind {
		case yaml.ScalarNode:
			entry.Location = val.Value
		case yaml.MappingNode:
			if err := val.Decode(&entry); err != nil {
				return nil, fmt.Errorf("parse tables file %s: table %q: %w", path, name, err)
			}
		default:
			return nil, fmt.Errorf("parse tables file %s: table %q must be a location or a mapping", path, name)
		}
		tables = append(tables, TableSpec{Name: name, Location: entry.Location, Format: entry.Format})
	}
	return tables, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func splitTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes matching surrounding double or single quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
