// Package ddl builds the DuckDB statements the proxy runs: table scans, connection-local
// views, the schema probe, extensions, settings and storage secrets.
package ddl

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Format identifies the table format behind a location.
type Format string

const (
	FormatDelta   Format = "delta"
	FormatParquet Format = "parquet"
	FormatIceberg Format = "iceberg"
	FormatCSV     Format = "csv"
)

// ParseFormat validates an explicit format name. An empty name means "infer".
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return "", nil
	case FormatDelta, FormatParquet, FormatIceberg, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported table format: %q", name)
	}
}

// InferFormat guesses the format from a location. Anything that is not a
// parquet or csv file is treated as a Delta table root.
func InferFormat(location string) Format {
	lower := strings.ToLower(strings.TrimRight(location, "/"))
	switch {
	case strings.HasSuffix(lower, ".parquet"):
		return FormatParquet
	case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".csv.gz"):
		return FormatCSV
	case strings.HasSuffix(lower, ".metadata.json"):
		return FormatIceberg
	default:
		return FormatDelta
	}
}

// NormalizeLocation strips the file:// scheme, which DuckDB scan functions do not need.
func NormalizeLocation(location string) string {
	if rest, ok := strings.CutPrefix(location, "file://"); ok {
		return rest
	}
	return location
}

// ScanExpression returns the table function call that reads location in the given format:
//
//	delta_scan('s3://bucket/users')
//	read_parquet('/data/events/**/*.parquet')
func ScanExpression(format Format, location string) (string, error) {
	location = NormalizeLocation(strings.TrimSpace(location))
	if location == "" {
		return "", fmt.Errorf("table location is required")
	}
	switch format {
	case FormatDelta:
		return "delta_scan(" + QuoteLiteral(strings.TrimRight(location, "/")) + ")", nil
	case FormatIceberg:
		return "iceberg_scan(" + QuoteLiteral(strings.TrimRight(location, "/")) + ")", nil
	case FormatParquet:
		return "read_parquet(" + QuoteLiteral(fileGlob(location, ".parquet")) + ")", nil
	case FormatCSV:
		return "read_csv(" + QuoteLiteral(fileGlob(location, ".csv")) + ")", nil
	default:
		return "", fmt.Errorf("unsupported table format: %q", format)
	}
}

// fileGlob turns a directory location into a recursive glob over files with ext.
func fileGlob(location, ext string) string {
	lower := strings.ToLower(location)
	if strings.ContainsAny(location, "*?[") || strings.HasSuffix(lower, ext) || strings.HasSuffix(lower, ext+".gz") {
		return location
	}
	return strings.TrimRight(location, "/") + "/**/*" + ext
}

// FilePattern returns the file or glob a parquet or csv table reads.
func FilePattern(format Format, location string) (string, error) {
	location = NormalizeLocation(strings.TrimSpace(location))
	if location == "" {
		return "", fmt.Errorf("table location is required")
	}
	switch format {
	case FormatParquet:
		return fileGlob(location, ".parquet"), nil
	case FormatCSV:
		return fileGlob(location, ".csv"), nil
	default:
		return "", fmt.Errorf("format %q is not file based", format)
	}
}

// HasGlob reports whether a pattern must be expanded to find its files.
func HasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// ListFiles returns the query that expands a glob into the files it matches
// right now, in a stable order.
func ListFiles(pattern string) string {
	return "SELECT file FROM glob(" + QuoteLiteral(pattern) + ") ORDER BY file"
}

// FileListScan reads exactly the given files, so files added later are not seen:
//
//	read_parquet(['/data/a.parquet', '/data/b.parquet'])
func FileListScan(format Format, files []string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("no files to read")
	}
	var fn string
	switch format {
	case FormatParquet:
		fn = "read_parquet"
	case FormatCSV:
		fn = "read_csv"
	default:
		return "", fmt.Errorf("format %q is not file based", format)
	}
	if len(files) == 1 {
		return fn + "(" + QuoteLiteral(files[0]) + ")", nil
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = QuoteLiteral(f)
	}
	return fn + "([" + strings.Join(quoted, ", ") + "])", nil
}

// SnapshotAlias names the attached database that pins a table's snapshot.
func SnapshotAlias(name string) string {
	return name + "__snapshot"
}

// AttachDelta pins a Delta table at its current version for the life of the
// database:
//
//	ATTACH IF NOT EXISTS 's3://bucket/users' AS "users__snapshot" (TYPE delta, PIN_SNAPSHOT)
func AttachDelta(alias, location string) (string, error) {
	if err := ValidateIdentifier(alias); err != nil {
		return "", fmt.Errorf("invalid snapshot alias: %w", err)
	}
	location = strings.TrimRight(NormalizeLocation(strings.TrimSpace(location)), "/")
	if location == "" {
		return "", fmt.Errorf("table location is required")
	}
	return fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s (TYPE delta, PIN_SNAPSHOT)",
		QuoteLiteral(location), QuoteIdentifier(alias)), nil
}

// LatestIcebergSnapshot returns the query for the newest snapshot id of an
// Iceberg table.
func LatestIcebergSnapshot(location string) string {
	location = strings.TrimRight(NormalizeLocation(strings.TrimSpace(location)), "/")
	return "SELECT snapshot_id FROM iceberg_snapshots(" + QuoteLiteral(location) +
		") ORDER BY sequence_number DESC LIMIT 1"
}

// IcebergScanAt reads an Iceberg table as of one snapshot.
func IcebergScanAt(location string, snapshotID int64) string {
	location = strings.TrimRight(NormalizeLocation(strings.TrimSpace(location)), "/")
	return fmt.Sprintf("iceberg_scan(%s, snapshot_from_id => %d)", QuoteLiteral(location), snapshotID)
}

// RegisterView returns the statement that exposes a scan under name on one connection:
//
//	CREATE OR REPLACE TEMP VIEW "users" AS SELECT * FROM delta_scan('...')
func RegisterView(name, scan string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if scan == "" {
		return "", fmt.Errorf("scan expression is required")
	}
	return fmt.Sprintf("CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM %s", QuoteIdentifier(name), scan), nil
}

// SelectAll returns a query over a scan expression, used to read a table's schema.
func SelectAll(scan string) string {
	return "SELECT * FROM " + scan
}

// ProbeQuery wraps a client query so that it returns its columns but no rows.
// Trailing semicolons are stripped; the closing parenthesis goes on its own line
// so a trailing line comment cannot swallow it.
func ProbeQuery(query string) (string, error) {
	q := strings.TrimRight(strings.TrimSpace(query), "; \t\r\n")
	if q == "" {
		return "", fmt.Errorf("query is empty")
	}
	stmt, _, err := sq.Select("*").From("(" + q + "\n) AS probe").Limit(0).ToSql()
	if err != nil {
		return "", fmt.Errorf("build probe query: %w", err)
	}
	return stmt, nil
}

// Extensions returns the INSTALL/LOAD statements needed to read the given formats
// from the given location schemes, in a stable order.
func Extensions(formats []Format, schemes []string) []string {
	need := map[string]bool{}
	for _, f := range formats {
		switch f {
		case FormatDelta:
			need["delta"] = true
		case FormatIceberg:
			need["iceberg"] = true
		}
	}
	for _, s := range schemes {
		switch s {
		case "s3", "s3a", "gs", "gcs", "http", "https":
			need["httpfs"] = true
		case "az", "azure", "abfss":
			need["azure"] = true
		}
	}
	names := make([]string, 0, len(need))
	for n := range need {
		names = append(names, n)
	}
	sort.Strings(names)
	stmts := make([]string, len(names))
	for i, n := range names {
		stmts[i] = fmt.Sprintf("INSTALL %s; LOAD %s;", n, n)
	}
	return stmts
}

// SetSetting returns a DuckDB SET statement: SET max_memory = '4GB'.
func SetSetting(name, value string) (string, error) {
	if !settingRe.MatchString(name) {
		return "", fmt.Errorf("invalid setting name: %q", name)
	}
	if value == "" {
		return "", fmt.Errorf("setting %s requires a value", name)
	}
	return fmt.Sprintf("SET %s = %s", name, QuoteLiteral(value)), nil
}

// CreateS3Secret returns a DuckDB DDL statement to create an S3 secret.
// Empty endpoint and url style fall back to the DuckDB defaults.
func CreateS3Secret(name, keyID, secret, endpoint, region, urlStyle string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	if keyID == "" || secret == "" {
		return "", fmt.Errorf("S3 key id and secret are required")
	}
	opts := []string{
		"TYPE S3",
		"KEY_ID " + QuoteLiteral(keyID),
		"SECRET " + QuoteLiteral(secret),
	}
	if endpoint != "" {
		opts = append(opts, "ENDPOINT "+QuoteLiteral(endpoint))
	}
	if region != "" {
		opts = append(opts, "REGION "+QuoteLiteral(region))
	}
	if urlStyle != "" {
		opts = append(opts, "URL_STYLE "+QuoteLiteral(urlStyle))
	}
	return secretStatement(name, opts), nil
}

// CreateAzureSecret returns a DuckDB DDL statement to create an Azure secret.
func CreateAzureSecret(name, accountName, accountKey, connectionString string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	if connectionString != "" {
		return secretStatement(name, []string{
			"TYPE AZURE",
			"CONNECTION_STRING " + QuoteLiteral(connectionString),
		}), nil
	}
	if accountName == "" || accountKey == "" {
		return "", fmt.Errorf("azure account name and key are required without a connection string")
	}
	return secretStatement(name, []string{
		"TYPE AZURE",
		"CONNECTION_STRING " + QuoteLiteral(fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net", accountName, accountKey)),
	}), nil
}

// CreateGCSSecret returns a DuckDB DDL statement to create a GCS secret from HMAC keys.
func CreateGCSSecret(name, keyID, secret string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	if keyID == "" || secret == "" {
		return "", fmt.Errorf("GCS HMAC key id and secret are required")
	}
	return secretStatement(name, []string{
		"TYPE GCS",
		"KEY_ID " + QuoteLiteral(keyID),
		"SECRET " + QuoteLiteral(secret),
	}), nil
}

func secretStatement(name string, opts []string) string {
	return fmt.Sprintf("CREATE OR REPLACE SECRET %s (\n\t%s\n)", QuoteIdentifier(name), strings.Join(opts, ",\n\t"))
}

// Scheme returns the lower-cased URI scheme of a location, or "file" for plain paths.
func Scheme(location string) string {
	scheme, _, ok := strings.Cut(location, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, "/.") {
		return "file"
	}
	return strings.ToLower(scheme)
}
