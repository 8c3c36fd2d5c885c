// Package gateway exposes the small admin HTTP surface: stats, pending-approval resolution, and health. Normal chat
// traffic never touches this package — it arrives through the channel
// adapter directly into the Message Pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/cortexkeep/internal/audit"
	"github.com/basket/cortexkeep/internal/bus"
)

// Stats is the system.status payload.
type Stats struct {
	Version           string         `json:"version"`
	Uptime            string         `json:"uptime"`
	Goroutines        int            `json:"goroutines"`
	ConfigFingerprint string         `json:"config_fingerprint"`
	Requests          *RequestStats  `json:"requests,omitempty"`
}

// RequestStats summarizes recent traffic from the metric_events table.
type RequestStats struct {
	Total         int64            `json:"total"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	AvgConfidence float64          `json:"avg_confidence"`
	IntentCounts  map[string]int64 `json:"intent_counts"`
}

// StatsProvider supplies the request-volume window shown by /stats.
type StatsProvider interface {
	QueryStats(ctx context.Context, since time.Time) (RequestStats, error)
}

// ApprovalResolver resolves a pending human-in-the-loop approval request.
type ApprovalResolver interface {
	ResolveApproval(ctx context.Context, requestID string, approved bool) (bool, error)
}

// HealthChecker reports whether one backing dependency is reachable. Each
// check must return quickly — Health aggregates them under a short timeout
// rather than letting one slow dependency block the whole response.
type HealthChecker func(ctx context.Context) error

// Config wires the admin surface's collaborators.
type Config struct {
	Version           string
	ConfigFingerprint string
	AuthToken         string // required via Authorization: Bearer <token> on every request
	Approvals         ApprovalResolver
	HealthChecks      map[string]HealthChecker // e.g. "store", "embedding", "llm"
	Stats             StatsProvider
	StatsWindow       time.Duration // defaults to 1 hour
	Audit             *audit.Log
	Bus               *bus.Bus
	Logger            *slog.Logger
}

// Server is the admin HTTP surface.
type Server struct {
	cfg       Config
	startedAt time.Time
	logger    *slog.Logger
}

// New builds a Server. Call Handler to obtain an http.Handler to mount.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, startedAt: time.Now(), logger: logger}
}

// Handler returns the admin mux: GET /stats, GET /health, POST /approvals/{id}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.withAuth(s.handleStats))
	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/approvals/", s.withAuth(s.handleApprove))
	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		Version:           s.cfg.Version,
		Uptime:            time.Since(s.startedAt).String(),
		Goroutines:        runtime.NumGoroutine(),
		ConfigFingerprint: s.cfg.ConfigFingerprint,
	}

	if s.cfg.Stats != nil {
		window := s.cfg.StatsWindow
		if window <= 0 {
			window = time.Hour
		}
		req, err := s.cfg.Stats.QueryStats(r.Context(), time.Now().Add(-window))
		if err != nil {
			s.logger.Error("query stats failed", "err", err)
		} else {
			stats.Requests = &req
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// healthResult is one dependency's check outcome.
type healthResult struct {
	Status string `json:"status"` // "ok" | "error"
	Error  string `json:"error,omitempty"`
}

// healthResponse aggregates the outcome of every registered dependency
// check: store, embedding client, LLM.
type healthResponse struct {
	Status string                  `json:"status"` // "ok" | "degraded"
	Checks map[string]healthResult `json:"checks"`
}

const healthCheckTimeout = 3 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]healthResult, len(s.cfg.HealthChecks))}
	for name, check := range s.cfg.HealthChecks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = healthResult{Status: "error", Error: err.Error()}
			continue
		}
		resp.Checks[name] = healthResult{Status: "ok"}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type approveRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := r.URL.Path[len("/approvals/"):]
	if requestID == "" {
		http.Error(w, "missing approval id", http.StatusBadRequest)
		return
	}
	if s.cfg.Approvals == nil {
		http.Error(w, "approvals not configured", http.StatusNotImplemented)
		return
	}

	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	found, err := s.cfg.Approvals.ResolveApproval(r.Context(), requestID, body.Approved)
	if err != nil {
		s.logger.Error("resolve approval failed", "request_id", requestID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "approval not found or already resolved", http.StatusNotFound)
		return
	}

	decision := "denied"
	if body.Approved {
		decision = "approved"
	}
	if s.cfg.Audit != nil {
		s.cfg.Audit.Record(decision, "approval.resolve", "operator decision", requestID)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolvedEvent{RequestID: requestID, Decision: decision})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StorePingChecker builds a HealthChecker from a pgx pool ping.
func StorePingChecker(pool *pgxpool.Pool) HealthChecker {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}
