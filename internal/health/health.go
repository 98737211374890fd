// Package health reports gateway readiness over the standard gRPC health
// protocol and as JSON over HTTP.
package health

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/chat2graph-gateway/internal/api"
	"github.com/ashureev/chat2graph-gateway/internal/metrics"
)

const (
	// ServiceUpstream is the health service name of the assistant backend probe.
	ServiceUpstream = "upstream"
	// ServiceStore is the health service name of the local cache probe.
	ServiceStore = "store"

	defaultInterval     = 15 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Checker is a dependency that can be probed.
type Checker interface {
	Ping(ctx context.Context) error
}

type probe struct {
	service string
	check   Checker
}

// Server runs periodic probes and publishes their results. The overall
// status ("") is SERVING only while every probe passes.
type Server struct {
	grpc     *grpc.Server
	health   *grpchealth.Server
	probes   []probe
	clock    quartz.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	status map[string]string
}

// Option configures a Server.
type Option func(*Server)

// WithProbe adds a dependency probed under service.
func WithProbe(service string, c Checker) Option {
	return func(s *Server) { s.probes = append(s.probes, probe{service: service, check: c}) }
}

// WithInterval sets the probe period.
func WithInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c quartz.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a health server. Every service starts NOT_SERVING until
// the first probe round.
func NewServer(opts ...Option) *Server {
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   grpchealth.NewServer(),
		clock:    quartz.NewReal(),
		interval: defaultInterval,
		timeout:  defaultProbeTimeout,
		logger:   slog.Default(),
		status:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	s.setStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	for _, p := range s.probes {
		s.setStatus(p.service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Serve accepts gRPC connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the gRPC server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Run probes immediately and then every interval until ctx ends.
func (s *Server) Run(ctx context.Context) {
	s.CheckNow(ctx)
	ticker := s.clock.NewTicker(s.interval, "health", "probe")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckNow(ctx)
		}
	}
}

// CheckNow runs every probe concurrently and updates the published statuses.
// It reports whether all probes passed.
func (s *Server) CheckNow(ctx context.Context) bool {
	results := make([]error, len(s.probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, s.timeout)
			defer cancel()
			// probe failures are results, not errgroup errors
			results[i] = p.check.Ping(pctx)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for i, p := range s.probes {
		st := grpc_health_v1.HealthCheckResponse_SERVING
		if results[i] != nil {
			healthy = false
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("Health probe failed", "service", p.service, "error", results[i])
		}
		if s.setStatus(p.service, st) && st == grpc_health_v1.HealthCheckResponse_SERVING {
			s.logger.Info("Health probe recovered", "service", p.service)
		}
		if p.service == ServiceUpstream {
			if st == grpc_health_v1.HealthCheckResponse_SERVING {
				metrics.UpstreamUp.Set(1)
			} else {
				metrics.UpstreamUp.Set(0)
			}
		}
	}

	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if !healthy {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.setStatus("", overall)
	return healthy
}

// setStatus publishes st and reports whether it changed.
func (s *Server) setStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.status[service] != st.String()
	s.status[service] = st.String()
	s.health.SetServingStatus(service, st)
	return changed
}

// Statuses returns the last published status of every service. The overall
// status is keyed "overall".
func (s *Server) Statuses() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.status))
	for k, v := range s.status {
		if k == "" {
			k = "overall"
		}
		out[k] = v
	}
	return out
}

// ReadyHandler serves the statuses as JSON, with 503 while not serving.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		statuses := s.Statuses()
		code := http.StatusOK
		if statuses["overall"] != grpc_health_v1.HealthCheckResponse_SERVING.String() {
			code = http.StatusServiceUnavailable
		}
		api.JSON(w, code, statuses)
	}
}
