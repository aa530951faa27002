package flightsql

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql/schema_ref"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"flydelta/internal/catalog"
	"flydelta/internal/service/query"
)

// Tables live in a single unnamed catalog under this schema.
const dbSchemaName = "main"

// queryServer implements the read-only subset of Flight SQL: statements and
// catalog metadata. Statement handles are the SQL text, so no state is kept
// between GetFlightInfo and DoGet.
type queryServer struct {
	arrowflightsql.BaseServer

	svc    *query.Service
	logger *slog.Logger
}

func newQueryServer(svc *query.Service, logger *slog.Logger, version string) *queryServer {
	srv := &queryServer{svc: svc, logger: logger}
	srv.Alloc = memory.DefaultAllocator
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerName, "flydelta")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerVersion, version)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerArrowVersion, "18")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerSql, true)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerReadOnly, true)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerCancel, false)
	return srv
}

func endpoint(ticket []byte) []*arrowflight.FlightEndpoint {
	return []*arrowflight.FlightEndpoint{{
		Ticket: &arrowflight.Ticket{Ticket: ticket},
		Location: []*arrowflight.Location{{
			Uri: arrowflight.LocationReuseConnection,
		}},
	}}
}

func (s *queryServer) GetFlightInfoStatement(ctx context.Context, stmt arrowflightsql.StatementQuery, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	if len(stmt.GetTransactionId()) > 0 {
		return nil, fmt.Errorf("transactions are not supported")
	}
	info, err := s.svc.Info(ctx, stmt.GetQuery())
	if err != nil {
		return nil, err
	}

	ticket, err := arrowflightsql.CreateStatementQueryTicket(info.Ticket)
	if err != nil {
		return nil, fmt.Errorf("create statement query ticket: %w", err)
	}
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(info.Schema, s.Alloc),
		FlightDescriptor: desc,
		Endpoint:         endpoint(ticket),
		TotalRecords:     -1,
		TotalBytes:       -1,
	}, nil
}

func (s *queryServer) GetSchemaStatement(ctx context.Context, stmt arrowflightsql.StatementQuery, _ *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	schema, err := s.svc.Schema(ctx, stmt.GetQuery())
	if err != nil {
		return nil, err
	}
	return &arrowflight.SchemaResult{Schema: arrowflight.SerializeSchema(schema, s.Alloc)}, nil
}

func (s *queryServer) DoGetStatement(ctx context.Context, ticket arrowflightsql.StatementQueryTicket) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	schema, resp, err := s.svc.Data(ctx, ticket.GetStatementHandle())
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan arrowflight.StreamChunk)
	go resp.Pump(ctx, ch)
	return schema, ch, nil
}

// === Catalog metadata ===

func (s *queryServer) GetFlightInfoTables(_ context.Context, req arrowflightsql.GetTables, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(tablesSchema(req.GetIncludeSchema()), s.Alloc),
		FlightDescriptor: desc,
		Endpoint:         endpoint(desc.Cmd),
		TotalRecords:     -1,
		TotalBytes:       -1,
	}, nil
}

func (s *queryServer) GetSchemaTables(_ context.Context, req arrowflightsql.GetTables, _ *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	return &arrowflight.SchemaResult{Schema: arrowflight.SerializeSchema(tablesSchema(req.GetIncludeSchema()), s.Alloc)}, nil
}

func (s *queryServer) DoGetTables(ctx context.Context, req arrowflightsql.GetTables) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	tables, err := filterTables(s.svc.Tables(), req)
	if err != nil {
		return nil, nil, err
	}
	schema := tablesSchema(req.GetIncludeSchema())
	record := recordFromTables(s.Alloc, schema, tables, req.GetIncludeSchema())
	return streamSingleRecord(ctx, schema, record)
}

func (s *queryServer) GetFlightInfoSchemas(_ context.Context, _ arrowflightsql.GetDBSchemas, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(schema_ref.DBSchemas, s.Alloc),
		FlightDescriptor: desc,
		Endpoint:         endpoint(desc.Cmd),
		TotalRecords:     -1,
		TotalBytes:       -1,
	}, nil
}

func (s *queryServer) DoGetDBSchemas(ctx context.Context, req arrowflightsql.GetDBSchemas) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	match, err := likeMatcher(req.GetDBSchemaFilterPattern())
	if err != nil {
		return nil, nil, err
	}

	b := array.NewRecordBuilder(s.Alloc, schema_ref.DBSchemas)
	defer b.Release()
	if catalogMatches(req.GetCatalog()) && match(dbSchemaName) {
		b.Field(0).(*array.StringBuilder).AppendNull()
		b.Field(1).(*array.StringBuilder).Append(dbSchemaName)
	}
	return streamSingleRecord(ctx, schema_ref.DBSchemas, b.NewRecordBatch())
}

func (s *queryServer) GetFlightInfoTableTypes(_ context.Context, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(schema_ref.TableTypes, s.Alloc),
		FlightDescriptor: desc,
		Endpoint:         endpoint(desc.Cmd),
		TotalRecords:     1,
		TotalBytes:       -1,
	}, nil
}

func (s *queryServer) DoGetTableTypes(ctx context.Context) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	b := array.NewRecordBuilder(s.Alloc, schema_ref.TableTypes)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append("TABLE")
	return streamSingleRecord(ctx, schema_ref.TableTypes, b.NewRecordBatch())
}

func tablesSchema(includeSchema bool) *arrow.Schema {
	if includeSchema {
		return schema_ref.TablesWithIncludedSchema
	}
	return schema_ref.Tables
}

// catalogMatches reports whether a catalog filter admits the unnamed catalog.
func catalogMatches(filter *string) bool {
	return filter == nil || *filter == ""
}

// filterTables applies the catalog, schema, name and type filters of req.
func filterTables(tables []catalog.Descriptor, req arrowflightsql.GetTables) ([]catalog.Descriptor, error) {
	if !catalogMatches(req.GetCatalog()) {
		return nil, nil
	}
	schemaMatch, err := likeMatcher(req.GetDBSchemaFilterPattern())
	if err != nil {
		return nil, err
	}
	if !schemaMatch(dbSchemaName) {
		return nil, nil
	}
	if types := req.GetTableTypes(); len(types) > 0 {
		ok := false
		for _, t := range types {
			if strings.EqualFold(strings.TrimSpace(t), "TABLE") {
				ok = true
			}
		}
		if !ok {
			return nil, nil
		}
	}
	nameMatch, err := likeMatcher(req.GetTableNameFilterPattern())
	if err != nil {
		return nil, err
	}

	var out []catalog.Descriptor
	for _, t := range tables {
		if nameMatch(t.Name) {
			out = append(out, t)
		}
	}
	return out, nil
}

// likeMatcher compiles a SQL LIKE pattern (% and _ wildcards, backslash
// escapes). A nil pattern matches everything.
func likeMatcher(pattern *string) (func(string) bool, error) {
	if pattern == nil {
		return func(string) bool { return true }, nil
	}
	var b strings.Builder
	b.WriteString("^")
	escaped := false
	for _, r := range *pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid filter pattern %q: %w", *pattern, err)
	}
	return re.MatchString, nil
}

func recordFromTables(alloc memory.Allocator, schema *arrow.Schema, tables []catalog.Descriptor, includeSchema bool) arrow.RecordBatch {
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()

	catalogBuilder := b.Field(0).(*array.StringBuilder)
	schemaBuilder := b.Field(1).(*array.StringBuilder)
	tableBuilder := b.Field(2).(*array.StringBuilder)
	typeBuilder := b.Field(3).(*array.StringBuilder)
	for _, t := range tables {
		catalogBuilder.AppendNull()
		schemaBuilder.Append(dbSchemaName)
		tableBuilder.Append(t.Name)
		typeBuilder.Append("TABLE")
		if includeSchema {
			b.Field(4).(*array.BinaryBuilder).Append(arrowflight.SerializeSchema(t.Schema, alloc))
		}
	}
	return b.NewRecordBatch()
}

func streamSingleRecord(ctx context.Context, schema *arrow.Schema, record arrow.RecordBatch) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	rdr, err := array.NewRecordReader(schema, []arrow.RecordBatch{record})
	record.Release()
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan arrowflight.StreamChunk)
	go arrowflight.StreamChunksFromReader(ctx, rdr, ch)
	return schema, ch, nil
}
