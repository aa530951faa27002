// Package flightsql serves the query service over Arrow Flight. Plain Flight
// clients send SQL text as the command and ticket; Flight SQL clients (ADBC,
// JDBC) use the standard statement and metadata commands on the same port.
package flightsql

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	grpcHealth "google.golang.org/grpc/health"
	grpcHealthV1 "google.golang.org/grpc/health/grpc_health_v1"

	"flydelta/internal/middleware"
	"flydelta/internal/service/query"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimit enables per-client rate limiting on every call.
func WithRateLimit(cfg middleware.RateLimitConfig) Option {
	return func(s *Server) {
		l := middleware.NewRateLimiter(cfg)
		s.unary = append(s.unary, l.Unary())
		s.stream = append(s.stream, l.Stream())
	}
}

// WithVersion sets the server version reported through Flight SQL GetSqlInfo.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// Server is the gRPC listener for the Flight service and the health service.
type Server struct {
	addr    string
	svc     *query.Service
	logger  *slog.Logger
	version string
	unary   []grpc.UnaryServerInterceptor
	stream  []grpc.StreamServerInterceptor

	mu         sync.Mutex
	ln         net.Listener
	grpcServer *grpc.Server
	health     *grpcHealth.Server
	wg         sync.WaitGroup
}

// NewServer creates a server for svc on addr. Nothing listens until Start.
func NewServer(addr string, svc *query.Service, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc, logger: slog.Default(), version: "dev"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("flight listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen flight: %w", err)
	}

	// Request IDs first so rejections are logged with one; errors are mapped last.
	unary := append([]grpc.UnaryServerInterceptor{middleware.UnaryRequestID()}, s.unary...)
	unary = append(unary, unaryStatus(s.logger))
	stream := append([]grpc.StreamServerInterceptor{middleware.StreamRequestID()}, s.stream...)
	stream = append(stream, streamStatus(s.logger))

	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	arrowflight.RegisterFlightServiceServer(grpcSrv, newFlightServer(s.svc, s.logger, s.version))
	healthSrv := grpcHealth.NewServer()
	healthSrv.SetServingStatus("", grpcHealthV1.HealthCheckResponse_SERVING)
	grpcHealthV1.RegisterHealthServer(grpcSrv, healthSrv)

	s.ln = ln
	s.grpcServer = grpcSrv
	s.health = healthSrv
	s.wg.Add(1)
	go s.serveLoop()
	s.logger.Info("flight server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown marks the server not serving, lets in-flight calls finish and
// stops. Calls still running when ctx ends are cut off.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	grpcSrv := s.grpcServer
	health := s.health
	s.ln = nil
	s.grpcServer = nil
	s.health = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if health != nil {
		health.Shutdown()
	}

	if grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			grpcSrv.Stop()
			return fmt.Errorf("flight shutdown: %w", ctx.Err())
		case <-time.After(5 * time.Second):
			grpcSrv.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("flight server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flight shutdown wait: %w", ctx.Err())
	}
}

func (s *Server) serveLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	ln := s.ln
	grpcSrv := s.grpcServer
	s.mu.Unlock()

	if ln == nil || grpcSrv == nil {
		return
	}
	if err := grpcSrv.Serve(ln); err != nil {
		s.logger.Debug("flight gRPC server stopped", "error", err)
	}
}
