// Package client is a Go client for a flydelta server. It speaks plain Arrow
// Flight: SQL text as the descriptor command, results as record batches.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultLocation is where a local server listens by default.
const DefaultLocation = "grpc://localhost:8815"

// Client is a connection to one server. It is safe for concurrent use.
type Client struct {
	location string
	flight   arrowflight.Client
	alloc    memory.Allocator
}

// TableInfo describes one served table.
type TableInfo struct {
	Name   string
	Schema *arrow.Schema
}

// Option configures a Client.
type Option func(*options)

type options struct {
	alloc    memory.Allocator
	dialOpts []grpc.DialOption
}

// WithAllocator sets the allocator used for decoded batches.
func WithAllocator(alloc memory.Allocator) Option {
	return func(o *options) { o.alloc = alloc }
}

// WithDialOptions appends gRPC dial options, e.g. transport credentials.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// ParseLocation turns "grpc://host:port", "grpc+tcp://host:port" or a bare
// "host:port" into a dial target.
func ParseLocation(location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("invalid location: empty")
	}
	if !strings.Contains(location, "://") {
		return location, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	switch u.Scheme {
	case "grpc", "grpc+tcp":
	default:
		return "", fmt.Errorf("invalid location %q: unsupported scheme %q", location, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid location %q: missing host", location)
	}
	return u.Host, nil
}

// New connects to the server at location. The connection is plaintext unless
// WithDialOptions supplies transport credentials.
func New(location string, opts ...Option) (*Client, error) {
	target, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	o := options{alloc: memory.DefaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.dialOpts...)

	fc, err := arrowflight.NewClientWithMiddleware(target, nil, nil, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", location, err)
	}
	return &Client{location: location, flight: fc, alloc: o.alloc}, nil
}

// Location returns the location the client was created with.
func (c *Client) Location() string { return c.location }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.flight.Close() }

func command(sql string) *arrowflight.FlightDescriptor {
	return &arrowflight.FlightDescriptor{Type: arrowflight.DescriptorCMD, Cmd: []byte(sql)}
}

// Schema returns the result schema of sql without running it.
func (c *Client) Schema(ctx context.Context, sql string) (*arrow.Schema, error) {
	res, err := c.flight.GetSchema(ctx, command(sql))
	if err != nil {
		return nil, err
	}
	return arrowflight.DeserializeSchema(res.GetSchema(), c.alloc)
}

// StreamQuery runs sql and calls fn for every record batch in order. The batch
// is only valid during the call; fn must Retain it to keep it. An error from
// fn stops the stream and is returned.
func (c *Client) StreamQuery(ctx context.Context, sql string, fn func(arrow.RecordBatch) error) (*arrow.Schema, error) {
	info, err := c.flight.GetFlightInfo(ctx, command(sql))
	if err != nil {
		return nil, err
	}
	schema, err := arrowflight.DeserializeSchema(info.GetSchema(), c.alloc)
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, ep := range info.GetEndpoint() {
		if err := c.readEndpoint(ctx, ep, fn); err != nil {
			return schema, err
		}
	}
	return schema, nil
}

func (c *Client) readEndpoint(ctx context.Context, ep *arrowflight.FlightEndpoint, fn func(arrow.RecordBatch) error) error {
	stream, err := c.flight.DoGet(ctx, ep.GetTicket())
	if err != nil {
		return err
	}
	rdr, err := arrowflight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return err
	}
	defer rdr.Release()

	for rdr.Next() {
		if err := fn(rdr.Record()); err != nil {
			return err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Query runs sql and collects the whole result into a table. An empty result
// is a zero-row table with the query's schema. The caller must Release it.
func (c *Client) Query(ctx context.Context, sql string) (arrow.Table, error) {
	var recs []arrow.RecordBatch
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	schema, err := c.StreamQuery(ctx, sql, func(rec arrow.RecordBatch) error {
		rec.Retain()
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return array.NewTableFromRecords(schema, recs), nil
}

// Tables describes every table the server serves.
func (c *Client) Tables(ctx context.Context) ([]TableInfo, error) {
	stream, err := c.flight.ListFlights(ctx, &arrowflight.Criteria{})
	if err != nil {
		return nil, err
	}
	var out []TableInfo
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		path := info.GetFlightDescriptor().GetPath()
		if len(path) == 0 {
			continue
		}
		t := TableInfo{Name: path[0]}
		if len(info.GetSchema()) > 0 {
			if t.Schema, err = arrowflight.DeserializeSchema(info.GetSchema(), c.alloc); err != nil {
				return nil, fmt.Errorf("decode schema of %s: %w", t.Name, err)
			}
		}
		out = append(out, t)
	}
}

// ListTables returns the served table names.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	tables, err := c.Tables(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names, nil
}
