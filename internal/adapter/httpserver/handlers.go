package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftwave/mediagen/internal/config"
	"github.com/driftwave/mediagen/internal/domain"
	"github.com/driftwave/mediagen/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg          config.Config
	Orchestrator usecase.OrchestratorService
	Bus          domain.EventBus
	DBCheck      func(ctx context.Context) error
	RedisCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, orch usecase.OrchestratorService, bus domain.EventBus, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Orchestrator: orch, Bus: bus, DBCheck: dbCheck, RedisCheck: redisCheck}
}

// userID reads the opaque caller identity forwarded by the chat frontend.
func userID(r *http.Request) string { return r.Header.Get("X-User-Id") }

// GenerateHandler creates a generation job for an option. The Idempotency-Key
// header is mandatory; replays with the same key return the original job id.
func (s *Server) GenerateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeError(w, r, fmt.Errorf("%w: X-User-Id header required", domain.ErrInvalidArgument), nil)
			return
		}
		idemKey := r.Header.Get("Idempotency-Key")
		if idemKey == "" {
			writeAPIError(w, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY",
				"Idempotency-Key header required", nil)
			return
		}
		optionID := chi.URLParam(r, "option_id")

		jobID, err := s.Orchestrator.CreateJob(r.Context(), uid, optionID, idemKey)
		if err != nil {
			LoggerFrom(r).Warn("create job failed",
				"option_id", optionID, "error", err)
			writeError(w, r, err, map[string]string{"option_id": optionID})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	}
}

// JobHandler serves the polling read view of a job.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeError(w, r, fmt.Errorf("%w: X-User-Id header required", domain.ErrInvalidArgument), nil)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		view, err := s.Orchestrator.GetJob(r.Context(), uid, jobID)
		if err != nil {
			writeError(w, r, err, map[string]string{"job_id": jobID})
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// SSEHandler streams job events for a chat channel. The stream is
// best-effort: clients reconcile through GET /jobs/{id} after reconnects.
func (s *Server) SSEHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chat_id")
		if chatID == "" {
			writeError(w, r, fmt.Errorf("%w: chat id required", domain.ErrInvalidArgument), nil)
			return
		}
		uid := userID(r)
		if uid == "" {
			writeError(w, r, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument), nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Events are keyed by the caller's identity, not the chat path
		// element: the publisher only knows the job's owner.
		sub := s.Bus.Subscribe(domain.ChatChannel(uid))
		defer sub.Close()

		heartbeat := s.Cfg.SSEHeartbeat
		if heartbeat <= 0 {
			heartbeat = 30 * time.Second
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		lg := LoggerFrom(r)
		lg.Info("sse stream opened", "chat_id", chatID)
		for {
			select {
			case <-r.Context().Done():
				lg.Info("sse stream closed", "chat_id", chatID)
				return
			case ev, open := <-sub.C:
				if !open {
					// Dropped for falling behind or bus shutdown; the client
					// reconnects and reconciles via the read view.
					lg.Warn("sse subscription dropped", "chat_id", chatID)
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					lg.Error("sse marshal failed", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
				flusher.Flush()
			case <-ticker.C:
				fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
				flusher.Flush()
			}
		}
	}
}

// HealthzHandler returns readiness of the process only.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler verifies required backends.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]func(context.Context) error{
			"db":    s.DBCheck,
			"redis": s.RedisCheck,
		}
		failed := map[string]string{}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
