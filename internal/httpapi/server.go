package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskpulse/internal/config"
	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/session"
	"github.com/ent0n29/taskpulse/internal/taskruntime"
)

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	tasks      *taskruntime.Service
	dispatcher *delivery.Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu           sync.Mutex
	sessionConns map[string]map[string]struct{}
}

func New(cfg config.Config, sessions *session.Manager, tasks *taskruntime.Service, dispatcher *delivery.Dispatcher, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WSHelloTimeout <= 0 {
		cfg.WSHelloTimeout = 2 * time.Second
	}
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		tasks:        tasks,
		dispatcher:   dispatcher,
		metrics:      metrics,
		logger:       logger.With("component", "httpapi"),
		sessionConns: make(map[string]map[string]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	sessions.SetExpireHook(s.handleSessionEnded)
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/delivery", s.handlePerfDelivery)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/v1/tasks/{id}/events", s.handleListTaskEvents)

	r.Get("/v1/connections", s.handleListConnections)
	r.Get("/v1/stream", s.handleStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_sessions":    s.sessions.ActiveCount(),
		"active_tasks":       s.tasks.ActiveCount(),
		"active_connections": s.dispatcher.Registry().Count(),
		"pending_events":     s.dispatcher.Pending(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		StreamPath:      "/v1/stream?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

// handleSessionEnded closes the stream connections opened with an ended or
// expired session. The user's other sessions keep their connections.
func (s *Server) handleSessionEnded(sess *session.Session) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessionConns[sess.ID]))
	for id := range s.sessionConns[sess.ID] {
		ids = append(ids, id)
	}
	delete(s.sessionConns, sess.ID)
	s.mu.Unlock()

	for _, id := range ids {
		s.dispatcher.Registry().Deregister(id)
	}
	if len(ids) > 0 {
		s.logger.Info("closed connections of ended session",
			"session_id", sess.ID, "user_id", sess.UserID, "connections", len(ids))
	}
	s.metrics.ObserveSessionEvent("closed")
}

// resolveUser maps the session_id of a request to its trusted user id and
// writes the error response when it cannot.
func (s *Server) resolveUser(w http.ResponseWriter, sessionID string) (string, bool) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return "", false
	}
	userID, err := s.sessions.Resolve(sessionID)
	switch {
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return "", false
	case err != nil:
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return "", false
	}
	return userID, true
}

func (s *Server) trackConnection(sessionID, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessionConns[sessionID]
	if !ok {
		set = make(map[string]struct{})
		s.sessionConns[sessionID] = set
	}
	set[connectionID] = struct{}{}
}

func (s *Server) untrackConnection(sessionID, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sessionConns[sessionID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(s.sessionConns, sessionID)
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
