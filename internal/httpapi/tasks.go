package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/execution"
	"github.com/ent0n29/taskpulse/internal/taskruntime"
)

type createTaskRequest struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Input     string `json:"input"`
}

type cancelTaskRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Input = strings.TrimSpace(req.Input)
	if req.Input == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}
	userID, ok := s.resolveUser(w, req.SessionID)
	if !ok {
		return
	}

	snap, err := s.tasks.StartTask(r.Context(), userID, req.TaskID, req.Input)
	if err != nil {
		switch {
		case errors.Is(err, taskruntime.ErrBlocked):
			respondError(w, http.StatusUnprocessableEntity, "task_blocked", err.Error())
		case errors.Is(err, execution.ErrDuplicateTask):
			respondError(w, http.StatusConflict, "task_exists", err.Error())
		case errors.Is(err, taskruntime.ErrClosed), errors.Is(err, delivery.ErrDelivery):
			respondError(w, http.StatusServiceUnavailable, "task_start_unavailable", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "task_start_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))

	snap, err := s.tasks.GetTask(userID, taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req cancelTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("session_id")
	}
	userID, ok := s.resolveUser(w, req.SessionID)
	if !ok {
		return
	}

	reason := "Cancelled by API."
	if strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}
	if err := s.tasks.CancelTask(userID, taskID, reason); err != nil {
		if errors.Is(err, taskruntime.ErrTaskNotRunning) {
			respondError(w, http.StatusNotFound, "task_not_running", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  "cancelling",
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"tasks":   s.tasks.ListTasks(userID),
	})
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))

	var afterSeq uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "after_seq must be a non-negative integer")
			return
		}
		afterSeq = n
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	evts, err := s.dispatcher.TaskEvents(r.Context(), userID, taskID, afterSeq, limit)
	if err != nil {
		if errors.Is(err, delivery.ErrUnknownTask) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_events_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  evts,
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	conns := s.dispatcher.Registry().Connections(userID)
	records := make([]delivery.ConnectionRecord, 0, len(conns))
	for _, c := range conns {
		records = append(records, c.Record())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"connections": records,
	})
}
