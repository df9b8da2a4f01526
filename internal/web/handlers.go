package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-web/internal/batch"
	"session-web/internal/history"
	"session-web/internal/infra/logger"
	"session-web/internal/progress"
	"session-web/internal/ws"
)

// handleIndex отдаёт краткое описание API.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Session Web 2.0 API",
		"version": s.deps.Version,
		"endpoints": []string{
			"GET /health",
			"GET /ws/{task_id}",
			"GET /stream?task={task_id}",
			"GET /api/tasks",
			"GET /api/tasks/{task_id}",
			"GET /api/history",
			"POST /api/validate",
			"GET /api/logs",
		},
	})
}

// handleHealth — состояние сервиса и пула API-ключей.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	creds := map[string]any{"count": 0, "available": false, "api_ids": []int{}}
	if s.deps.Credentials != nil {
		creds = map[string]any{
			"count":     s.deps.Credentials.Len(),
			"available": s.deps.Credentials.Len() > 0,
			"api_ids":   s.deps.Credentials.IDs(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"version":            s.deps.Version,
		"active_connections": s.deps.Channels.Len(),
		"active_tasks":       len(s.deps.Trackers.Active()),
		"api_credentials":    creds,
	})
}

// handleWS допускает WebSocket-канал для задачи из пути (/ws/{task_id}).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r, chi.URLParam(r, "task_id"))
}

// handleStream: тот же канал, задача берётся из параметра ?task=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r, r.URL.Query().Get("task"))
}

// serveChannel выполняет рукопожатие и держит цикл приёма до отключения клиента.
func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := ws.Accept(w, r, s.deps.OriginPatterns)
	if err != nil {
		// Accept уже ответил клиенту кодом ошибки.
		logger.Debug("websocket handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.deps.Protocol.Serve(r.Context(), conn, strings.TrimSpace(taskID))
}

// handleTasks отдаёт снимки активных задач.
func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Trackers.Active()})
}

// handleTask — снимок активной задачи или запись из истории.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if tracker, ok := s.deps.Trackers.Get(taskID); ok {
		writeJSON(w, http.StatusOK, tracker.Snapshot())
		return
	}
	if s.deps.History != nil {
		snap, err := s.deps.History.Get(r.Context(), taskID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, snap)
			return
		case !errors.Is(err, history.ErrNotFound):
			logger.Error("history lookup failed", zap.String("task_id", taskID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "History lookup failed")
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("Task %q not found", taskID))
}

// handleHistory — последние завершённые задачи (?limit=N).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": []progress.Snapshot{}})
		return
	}
	tasks, err := s.deps.History.List(r.Context(), limit)
	if err != nil {
		logger.Error("history list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "History lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// sessionUpload — файл сессии в теле запроса; Data приходит в base64.
type sessionUpload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type validateRequest struct {
	TaskID   string          `json:"task_id"`
	Sessions []sessionUpload `json:"sessions"`
}

// handleValidate запускает проверку сессий в фоне и сразу отвечает 202 с task_id.
// Ход выполнения транслируется подписчикам /ws/{task_id}.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil || s.deps.Validator == nil {
		writeError(w, http.StatusServiceUnavailable, "Validation is not configured")
		return
	}
	if s.deps.Credentials != nil && s.deps.Credentials.Len() == 0 {
		writeError(w, http.StatusServiceUnavailable, "No API credentials configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Sessions) == 0 {
		writeError(w, http.StatusBadRequest, "No session files provided")
		return
	}

	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}

	items := make([]batch.Item, 0, len(req.Sessions))
	for _, up := range req.Sessions {
		items = append(items, batch.Item{Name: up.Name, Data: up.Data})
	}
	if err := s.deps.Runner.Start(s.deps.BatchContext, taskID, s.deps.Validator, items); err != nil {
		if errors.Is(err, batch.ErrTaskBusy) {
			writeError(w, http.StatusConflict, fmt.Sprintf("Task %q is already running", taskID))
			return
		}
		logger.Error("batch start failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to start validation")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": fmt.Sprintf("Validation of %d sessions started", len(items)),
		"task_id": taskID,
		"total":   len(items),
		"ws_url":  "/ws/" + taskID,
	})
}
