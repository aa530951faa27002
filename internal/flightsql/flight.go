package flightsql

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"flydelta/internal/ddl"
	"flydelta/internal/service/query"
)

// flightSQLTypePrefix is the type URL prefix of every Flight SQL command.
const flightSQLTypePrefix = "type.googleapis.com/arrow.flight.protocol.sql."

// isFlightSQL reports whether a command or ticket is a packed Flight SQL message
// rather than SQL text.
func isFlightSQL(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	var msg anypb.Any
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return false
	}
	return strings.HasPrefix(msg.GetTypeUrl(), flightSQLTypePrefix)
}

// flightServer answers raw Flight calls itself and hands Flight SQL commands
// to the embedded Flight SQL adapter.
type flightServer struct {
	arrowflight.FlightServer

	svc    *query.Service
	logger *slog.Logger
}

func newFlightServer(svc *query.Service, logger *slog.Logger, version string) *flightServer {
	return &flightServer{
		FlightServer: arrowflightsql.NewFlightServer(newQueryServer(svc, logger, version)),
		svc:          svc,
		logger:       logger,
	}
}

// descriptorSQL returns the SQL a raw descriptor asks for: the command text,
// or a full scan of the table named by a one-element path.
func (f *flightServer) descriptorSQL(desc *arrowflight.FlightDescriptor) (string, error) {
	switch desc.GetType() {
	case arrowflight.DescriptorCMD:
		return string(desc.GetCmd()), nil
	case arrowflight.DescriptorPATH:
		path := desc.GetPath()
		if len(path) != 1 {
			return "", status.Errorf(codes.InvalidArgument, "path descriptor must name exactly one table, got %d elements", len(path))
		}
		if _, ok := f.svc.Catalog().Get(path[0]); !ok {
			return "", status.Errorf(codes.NotFound, "table %q not found", path[0])
		}
		return "SELECT * FROM " + ddl.QuoteIdentifier(path[0]), nil
	default:
		return "", status.Error(codes.InvalidArgument, "unsupported descriptor type")
	}
}

// GetFlightInfo probes the query and returns its schema and a single endpoint
// whose ticket is the SQL text.
func (f *flightServer) GetFlightInfo(ctx context.Context, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	if desc.GetType() == arrowflight.DescriptorCMD && isFlightSQL(desc.GetCmd()) {
		return f.FlightServer.GetFlightInfo(ctx, desc)
	}
	sql, err := f.descriptorSQL(desc)
	if err != nil {
		return nil, err
	}
	info, err := f.svc.Info(ctx, sql)
	if err != nil {
		return nil, err
	}

	location := info.Location
	if location == "" {
		location = arrowflight.LocationReuseConnection
	}
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(info.Schema, memory.DefaultAllocator),
		FlightDescriptor: desc,
		Endpoint: []*arrowflight.FlightEndpoint{{
			Ticket:   &arrowflight.Ticket{Ticket: info.Ticket},
			Location: []*arrowflight.Location{{Uri: location}},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
	}, nil
}

// GetSchema returns the result schema of a raw query without an endpoint.
func (f *flightServer) GetSchema(ctx context.Context, desc *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	if desc.GetType() == arrowflight.DescriptorCMD && isFlightSQL(desc.GetCmd()) {
		return f.FlightServer.GetSchema(ctx, desc)
	}
	sql, err := f.descriptorSQL(desc)
	if err != nil {
		return nil, err
	}
	schema, err := f.svc.Schema(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &arrowflight.SchemaResult{Schema: arrowflight.SerializeSchema(schema, memory.DefaultAllocator)}, nil
}

// DoGet executes the SQL in the ticket and streams the result as Arrow IPC. A
// failure after the first batch ends the stream with an error status.
func (f *flightServer) DoGet(tkt *arrowflight.Ticket, stream arrowflight.FlightService_DoGetServer) error {
	if isFlightSQL(tkt.GetTicket()) {
		return f.FlightServer.DoGet(tkt, stream)
	}
	ctx := stream.Context()

	schema, resp, err := f.svc.Data(ctx, tkt.GetTicket())
	if err != nil {
		return err
	}
	defer resp.Close()

	wr := arrowflight.NewRecordWriter(stream, ipc.WithSchema(schema))
	err = resp.WriteTo(ctx, func(rec arrow.RecordBatch) error {
		return wr.Write(rec)
	})
	if cerr := wr.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close record writer: %w", cerr)
	}
	return err
}

// ListFlights describes every catalog table. The entries carry a path
// descriptor and schema but no endpoints; a table is read by querying it.
func (f *flightServer) ListFlights(criteria *arrowflight.Criteria, stream arrowflight.FlightService_ListFlightsServer) error {
	prefix := criteria.GetExpression()
	for _, d := range f.svc.Tables() {
		if len(prefix) > 0 && !bytes.HasPrefix([]byte(d.Name), prefix) {
			continue
		}
		info := &arrowflight.FlightInfo{
			Schema: arrowflight.SerializeSchema(d.Schema, memory.DefaultAllocator),
			FlightDescriptor: &arrowflight.FlightDescriptor{
				Type: arrowflight.DescriptorPATH,
				Path: []string{d.Name},
			},
			TotalRecords: -1,
			TotalBytes:   -1,
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}
