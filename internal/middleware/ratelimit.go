// Package middleware provides the gRPC interceptors and HTTP middleware shared
// by the Flight and ops servers.
package middleware

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RateLimitConfig holds configuration for the rate limiter interceptors.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate limit (tokens added per second).
	RequestsPerSecond float64
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
	// OnReject is called for every rejected call. Optional.
	OnReject func(client string)
}

const (
	staleAfter    = 10 * time.Minute
	sweepInterval = 5 * time.Minute
)

// clientLimiter tracks a per-client rate limiter and when it was last seen.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client token-bucket limit on gRPC calls. Clients
// are keyed by peer IP.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

// NewRateLimiter returns a limiter for cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		cfg:       cfg,
		now:       time.Now,
		clients:   make(map[string]*clientLimiter),
		lastSweep: time.Now(),
	}
}

func (l *RateLimiter) getLimiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	// Stale entries are swept lazily instead of by a background goroutine.
	if now.Sub(l.lastSweep) > sweepInterval {
		for k, cl := range l.clients {
			if now.Sub(cl.lastSeen) > staleAfter {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	if cl, ok := l.clients[client]; ok {
		cl.lastSeen = now
		return cl.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
	l.clients[client] = &clientLimiter{limiter: limiter, lastSeen: now}
	return limiter
}

// allow admits or rejects one call. A rejection carries a retry-after header
// and codes.ResourceExhausted.
func (l *RateLimiter) allow(ctx context.Context) error {
	client := peerIP(ctx)
	reservation := l.getLimiter(client).ReserveN(l.now(), 1)
	if !reservation.OK() {
		return l.reject(ctx, client, 0)
	}
	if delay := reservation.DelayFrom(l.now()); delay > 0 {
		reservation.Cancel()
		return l.reject(ctx, client, int(delay.Seconds())+1)
	}
	return nil
}

func (l *RateLimiter) reject(ctx context.Context, client string, retryAfterSecs int) error {
	if l.cfg.OnReject != nil {
		l.cfg.OnReject(client)
	}
	if retryAfterSecs > 0 {
		_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.Itoa(retryAfterSecs)))
	}
	return status.Error(codes.ResourceExhausted, "rate limit exceeded")
}

// Unary returns the unary server interceptor.
func (l *RateLimiter) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := l.allow(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor.
func (l *RateLimiter) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := l.allow(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Clients returns the number of tracked clients.
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// peerIP extracts the client IP from the gRPC peer, stripping the port.
// Forwarding metadata is untrusted and ignored to prevent rate-limit bypass.
func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
