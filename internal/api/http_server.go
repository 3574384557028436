// Package api exposes the local control surface of the sync engine.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	healthPath   = "/healthz"
	maxBodyBytes = 10 << 20
	defaultLimit = 50
	maxLimit     = 1000
)

// SyncHistory lists recorded sync passes, newest first.
type SyncHistory interface {
	RecentSyncRuns(ctx context.Context, limit int) ([]models.SyncResult, error)
}

// DeadLetters lists terminally failed actions, newest first.
type DeadLetters interface {
	List(ctx context.Context, limit int64) ([]worker.DeadLetterEntry, error)
}

// HTTPServer serves the control API for a queue and its engine.
type HTTPServer struct {
	cfg    config.APIConfig
	queue  domain.ActionQueue
	syncer domain.Syncer
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger

	history     SyncHistory
	deadLetters DeadLetters
}

func NewHTTPServer(cfg config.APIConfig, queue domain.ActionQueue, syncer domain.Syncer, logger *zerolog.Logger) *HTTPServer {
	l := logging.Component(logger, "http_api")
	srv := &HTTPServer{cfg: cfg, queue: queue, syncer: syncer, logger: l}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+healthPath, srv.handleHealth)
	mux.HandleFunc("GET /api/v1/queue", srv.handleQueue)
	mux.HandleFunc("DELETE /api/v1/queue", srv.handleClear)
	mux.HandleFunc("POST /api/v1/actions", srv.handleEnqueue)
	mux.HandleFunc("GET /api/v1/actions/{id}", srv.handleGetAction)
	mux.HandleFunc("DELETE /api/v1/actions/{id}", srv.handleRemove)
	mux.HandleFunc("POST /api/v1/sync", srv.handleSync)
	mux.HandleFunc("POST /api/v1/retry-failed", srv.handleRetryFailed)
	mux.HandleFunc("GET /api/v1/sync-runs", srv.handleSyncRuns)
	mux.HandleFunc("GET /api/v1/dead-letters", srv.handleDeadLetters)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// UseHistory enables GET /api/v1/sync-runs.
func (s *HTTPServer) UseHistory(h SyncHistory) {
	s.history = h
}

// UseDeadLetters enables GET /api/v1/dead-letters.
func (s *HTTPServer) UseDeadLetters(d DeadLetters) {
	s.deadLetters = d
}

// Handler returns the full middleware chain.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on an existing listener.
func (s *HTTPServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.syncer.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": state.IsOnline,
		"queued": state.Count,
	})
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	state := s.syncer.State()

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		want := models.ActionStatus(raw)
		if !want.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filtered := make([]models.QueuedAction, 0, len(state.Actions))
		for _, a := range state.Actions {
			if a.Status == want {
				filtered = append(filtered, a)
			}
		}
		state.Actions = filtered
	}

	writeJSON(w, http.StatusOK, state)
}

type enqueueRequest struct {
	Type       models.ActionType `json:"type"`
	TargetID   string            `json:"target_id"`
	Payload    json.RawMessage   `json:"payload"`
	MaxRetries int               `json:"max_retries"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	var body enqueueRequest
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	na := models.NewAction{
		Type:       body.Type,
		TargetID:   body.TargetID,
		MaxRetries: body.MaxRetries,
	}
	if p := bytes.TrimSpace(body.Payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		na.Payload = body.Payload
	}

	id, err := s.queue.Enqueue(na)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	action, _ := s.queue.Get(id)
	writeJSON(w, http.StatusCreated, action)
}

func (s *HTTPServer) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, ok := s.queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *HTTPServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	if !s.queue.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.queue.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, _ *http.Request) {
	started := s.syncer.Sync()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": started})
}

func (s *HTTPServer) handleRetryFailed(w http.ResponseWriter, _ *http.Request) {
	n := s.syncer.RetryFailedActions()
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func (s *HTTPServer) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "sync history is not enabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.history.RecentSyncRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read sync history")
		writeError(w, http.StatusInternalServerError, "failed to read sync history")
		return
	}
	if runs == nil {
		runs = []models.SyncResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letter list is not enabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deadLetters.List(r.Context(), int64(limit))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read dead letters")
		writeError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}
	if entries == nil {
		entries = []worker.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
