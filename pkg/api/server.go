package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/sentinel/pkg/coordinator"
	"github.com/cuemby/sentinel/pkg/corereset"
	"github.com/cuemby/sentinel/pkg/engine"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/netswitch"
	"github.com/cuemby/sentinel/pkg/recovery"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds POST bodies
const maxBodyBytes = 16 << 10

// Server is the admin HTTP surface of a running recovery stack
type Server struct {
	stack  *recovery.Stack
	health *metrics.HealthRegistry
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewServer registers the admin endpoints for stack
func NewServer(stack *recovery.Stack, health *metrics.HealthRegistry) *Server {
	mux := http.NewServeMux()
	s := &Server{
		stack:  stack,
		health: health,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler(health))
	mux.HandleFunc("/ready", metrics.ReadyHandler(health))
	mux.HandleFunc("/live", metrics.LivenessHandler(health))

	mux.HandleFunc("GET /v1/status", s.statusHandler)
	mux.HandleFunc("GET /v1/decisions", s.decisionsHandler)
	mux.HandleFunc("GET /v1/behaviors", s.behaviorsHandler)
	mux.HandleFunc("GET /v1/recoveries", s.recoveriesHandler)
	mux.HandleFunc("POST /v1/requests", s.requestHandler)
	return s
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Admin server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the mux for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StatusResponse summarises every component of the stack
type StatusResponse struct {
	Timestamp   time.Time         `json:"timestamp"`
	HealthScore int               `json:"health_score"`
	Stale       []string          `json:"stale"`
	Pending     string            `json:"pending,omitempty"`
	Coordinator coordinator.Stats `json:"coordinator"`
	Engine      engine.Stats      `json:"engine"`
	NetSwitch   netswitch.Stats   `json:"netswitch"`
	CoreReset   corereset.Stats   `json:"corereset"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.stack.Monitor.Snapshot()
	resp := StatusResponse{
		Timestamp:   time.Now(),
		HealthScore: snap.Score,
		Stale:       snap.Stale,
		Coordinator: s.stack.Coordinator.Stats(),
		Engine:      s.stack.Engine.Stats(),
		NetSwitch:   s.stack.NetSwitch.Stats(),
		CoreReset:   s.stack.CoreReset.Stats(),
	}
	if pending, ok := s.stack.Coordinator.Pending(); ok {
		resp.Pending = pending.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stack.Engine.DecisionHistory())
}

func (s *Server) behaviorsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stack.Engine.AppBehaviors())
}

func (s *Server) recoveriesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stack.Coordinator.IdentityRecoveries())
}

// RequestBody is a manual corrective request
type RequestBody struct {
	Kind         types.RequestKind `json:"kind"`
	Mode         int               `json:"mode"`
	Force        bool              `json:"force"`
	SkipDebounce bool              `json:"skip_debounce"`
	MaxIdle      string            `json:"max_idle"`
	Identities   []string          `json:"identities"`
	Reason       string            `json:"reason"`
}

// RequestResponse acknowledges a submitted request
type RequestResponse struct {
	ID      string `json:"id"`
	Request string `json:"request"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) requestHandler(w http.ResponseWriter, r *http.Request) {
	var body RequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}

	tmpl := types.Request{
		Kind:         body.Kind,
		Mode:         types.RecoveryMode(body.Mode),
		Force:        body.Force,
		SkipDebounce: body.SkipDebounce,
		Escalate:     true,
		Identities:   body.Identities,
		Reason:       body.Reason,
	}
	if body.MaxIdle != "" {
		d, err := time.ParseDuration(body.MaxIdle)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid max_idle: %v", err)})
			return
		}
		tmpl.MaxIdle = d
	}
	if tmpl.Reason == "" {
		tmpl.Reason = "manual"
	}

	req, err := types.Build(tmpl)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.stack.Request(req)
	reqLogger := log.WithRequestID(req.ID)
	reqLogger.Info().Str("request", req.String()).Str("remote", r.RemoteAddr).Msg("Manual request submitted")
	writeJSON(w, http.StatusAccepted, RequestResponse{ID: req.ID, Request: req.String()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
