// Package httpapi is the trigger surface: it accepts watch events over HTTP,
// validates them, and hands them off to the dispatch substrate. Hand-off
// success is not email-delivery success; step failures surface only through
// the run journal and events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/config"
	"meadow-notify/internal/infra/middleware"
	"meadow-notify/internal/usecase/validate"
)

// RunStarter journals new runs and reads existing ones. Implemented by the
// workflow engine.
type RunStarter interface {
	Start(ctx context.Context, req domain.NormalizedRequest) (*domain.Run, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// Submitter schedules a journaled run for execution. Implemented by the
// dispatcher.
type Submitter interface {
	Submit(runID string) error
}

// Server is the HTTP trigger surface.
type Server struct {
	cfg       config.ServerConfig
	engine    RunStarter
	submitter Submitter
	bus       domain.EventBus
	logger    *slog.Logger

	server *http.Server

	// Actual bound address (set after Start)
	boundAddr string

	// Lifecycle management for rate limiter cleanup goroutine
	ctx    context.Context
	cancel context.CancelFunc
}

type acceptedResponse struct {
	Message        string `json:"message"`
	MovieTitle     string `json:"movie_title"`
	RecipientEmail string `json:"recipient_email"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the HTTP trigger surface.
func NewServer(cfg config.ServerConfig, engine RunStarter, submitter Submitter, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		submitter: submitter,
		bus:       bus,
		logger:    logger,
	}
}

// Start begins the HTTP server. Non-blocking (serves in a goroutine).
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("http api started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string { return s.boundAddr }

// Handler builds the routed and middleware-wrapped handler. Exposed for
// httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/movies", s.handleMovies)
	mux.HandleFunc("/api/v1/runs", s.handleListRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleGetRun)
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	return middleware.SecurityHeaders(
		middleware.RateLimit(s.ctx, s.cfg.RateLimitPerMin, s.cfg.RateLimitBurst)(mux),
	)
}

func (s *Server) handleMovies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != "application/json" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Content-Type must be application/json"})
		return
	}

	maxBody := s.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var event domain.WatchEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		errMsg := "invalid JSON: " + err.Error()
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errMsg = fmt.Sprintf("request body too large (max %d bytes)", maxBody)
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errMsg})
		return
	}

	req, err := validate.Validate(event)
	if err != nil {
		s.emitEvent(r.Context(), domain.EventWatchRejected, "", map[string]string{
			"error": err.Error(),
		})
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	run, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.logger.Error("failed to journal run", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to accept request"})
		return
	}

	if err := s.submitter.Submit(run.ID); err != nil {
		s.logger.Error("hand-off failed", "run_id", run.ID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: "failed to schedule request"})
		return
	}

	s.emitEvent(r.Context(), domain.EventWatchReceived, run.ID, map[string]string{
		"movie_title": req.Title,
	})
	s.logger.Info("watch event accepted", "run_id", run.ID, "movie_title", req.Title)

	writeJSON(w, http.StatusOK, acceptedResponse{
		Message:        "Movie summary request received",
		MovieTitle:     req.Title,
		RecipientEmail: req.Email,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := s.engine.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}

	run, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
			return
		}
		s.logger.Error("failed to load run", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load run"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) emitEvent(ctx context.Context, eventType domain.EventType, runID string, payload any) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   data,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
