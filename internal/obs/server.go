// Package obs exposes the operational HTTP surface: health and readiness
// probes, Prometheus metrics, and a service info endpoint.
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"saferelay/internal/types"
)

// healthCheckTimeout bounds the whole probe fan-out; a probe that cannot
// answer within it is reported unhealthy.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check (redis, postgres, broker,
// supervisor). Check must respect the context deadline.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// Server serves the observability endpoints.
type Server struct {
	router    chi.Router
	probes    []HealthProbe
	gatherer  prometheus.Gatherer
	ready     func() bool
	service   string
	version   string
	startedAt time.Time
	clock     types.Clock
	logger    types.Logger

	httpServer *http.Server
}

// Config for the observability server.
type Config struct {
	Service  string
	Version  string
	Gatherer prometheus.Gatherer
	// Ready reports whether the pipeline is accepting work; nil means
	// always ready.
	Ready  func() bool
	Probes []HealthProbe
	Clock  types.Clock
	// MetricsEnabled mounts /metrics; health and readiness are always on.
	MetricsEnabled bool
}

func NewServer(cfg Config, logger types.Logger) *Server {
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock{}
	}
	s := &Server{
		probes:    cfg.Probes,
		gatherer:  cfg.Gatherer,
		ready:     cfg.Ready,
		service:   cfg.Service,
		version:   cfg.Version,
		startedAt: cfg.Clock.Now(),
		clock:     cfg.Clock,
		logger:    logger.With("component", "obs"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/info", s.handleInfo)
	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router = r

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("observability server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// handleHealth fans out all probes concurrently under one deadline. 503 when
// any probe fails or times out.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}

	var (
		mu      sync.Mutex
		results = make(map[string]probeResult, len(s.probes))
		wg      sync.WaitGroup
	)

	for _, probe := range s.probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("probe panicked: %v", rec)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results[p.Name()] = probeResult{name: p.Name(), err: err}
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Unfinished probes are reported as timed out below.
	}

	mu.Lock()
	collected := make(map[string]probeResult, len(results))
	for k, v := range results {
		collected[k] = v
	}
	mu.Unlock()

	components := make(map[string]componentStatus, len(s.probes))
	allHealthy := true
	for _, probe := range s.probes {
		name := probe.Name()
		result, ok := collected[name]
		switch {
		case !ok:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case result.err != nil:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: result.err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Status: "healthy", Components: components}
	code := http.StatusOK
	if !allHealthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        s.service,
		"version":        s.version,
		"uptime_seconds": int64(s.clock.Now().Sub(s.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
