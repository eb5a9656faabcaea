// Package health provides health check endpoints for the authentication service.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var errNoDatabase = errors.New("database pool not configured")

// ServiceStatus represents the status of a single service
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Checker is an additional dependency probed by the health endpoint
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler handles health check requests
type Handler struct {
	dbPool      *pgxpool.Pool
	redisClient redis.UniversalClient
	checks      map[string]Checker
	critical    map[string]bool
	version     string
	timeout     time.Duration
	ready       bool
	mu          sync.RWMutex
}

// Config holds health handler configuration
type Config struct {
	DBPool      *pgxpool.Pool
	RedisClient redis.UniversalClient
	// Checks are probed by /health. Names listed in Critical also gate
	// readiness.
	Checks   map[string]Checker
	Critical []string
	Version  string
	Timeout  time.Duration // Default: 5 seconds
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	critical := make(map[string]bool, len(cfg.Critical))
	for _, name := range cfg.Critical {
		critical[name] = true
	}

	return &Handler{
		dbPool:      cfg.DBPool,
		redisClient: cfg.RedisClient,
		checks:      cfg.Checks,
		critical:    critical,
		version:     cfg.Version,
		timeout:     timeout,
		ready:       true,
	}
}

// SetReady sets the readiness state of the service
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health probes every dependency concurrently. Any failing probe marks the
// service degraded and answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := h.runProbes(ctx, h.probes())
	overall := "healthy"
	for _, status := range services {
		if status.Status != "up" {
			overall = "degraded"
			break
		}
	}

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Version:   h.version,
	})
}

// Readiness reports ready while the server accepts traffic and the database
// plus every critical check respond
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady()
	if ready {
		gating := map[string]func(context.Context) error{"database": h.pingDatabase}
		for name, check := range h.checks {
			if h.critical[name] {
				gating[name] = check.Ping
			}
		}
		for _, status := range h.runProbes(ctx, gating) {
			if status.Status != "up" {
				ready = false
				break
			}
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Liveness answers 200 while the process can serve HTTP at all
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Alive:     true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) probes() map[string]func(context.Context) error {
	probes := map[string]func(context.Context) error{"database": h.pingDatabase}
	if h.redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return h.redisClient.Ping(ctx).Err()
		}
	}
	for name, check := range h.checks {
		probes[name] = check.Ping
	}
	return probes
}

func (h *Handler) pingDatabase(ctx context.Context) error {
	if h.dbPool == nil {
		return errNoDatabase
	}
	return h.dbPool.Ping(ctx)
}

func (h *Handler) runProbes(ctx context.Context, probes map[string]func(context.Context) error) map[string]ServiceStatus {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]ServiceStatus, len(probes))
	)
	for name, ping := range probes {
		name, ping := name, ping
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := probe(ctx, ping)
			mu.Lock()
			out[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func probe(ctx context.Context, ping func(context.Context) error) ServiceStatus {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{
			Status:  "down",
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}
	return ServiceStatus{
		Status:  "up",
		Latency: latency.String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
