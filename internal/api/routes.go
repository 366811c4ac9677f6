package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sqlite-sync-service/internal/store"
	syncengine "sqlite-sync-service/internal/sync"
)

type Handler struct {
	manager   *syncengine.Manager
	authToken string
	cors      []string
}

func NewHandler(manager *syncengine.Manager, authToken string, corsOrigins []string) *Handler {
	return &Handler{
		manager:   manager,
		authToken: authToken,
		cors:      corsOrigins,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/slaves/{id}/sync", h.TriggerSync)
		r.Post("/slaves/{id}/integrity", h.RunIntegrityCheck)

		r.Get("/realtime", h.GetRealtimeStatus)
		r.Put("/realtime", h.SetRealtimeMode)

		r.Get("/logs", h.ListSyncLogs)
		r.Delete("/logs", h.ClearSyncLogs)

		r.Post("/capture/{table}", h.EnableCapture)
		r.Delete("/capture/{table}", h.DisableCapture)

		r.Post("/maintenance/optimize", h.OptimizeDatabases)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type triggerSyncRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	slaveID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slave id")
		return
	}

	var req triggerSyncRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	mode := syncengine.ModeIncremental
	switch req.Mode {
	case "", "incremental":
	case "full":
		mode = syncengine.ModeFull
	default:
		writeError(w, http.StatusBadRequest, "mode must be incremental or full")
		return
	}

	result, err := h.manager.TriggerSync(r.Context(), slaveID, mode)
	if err != nil {
		if errors.Is(err, store.ErrSlaveNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"result": result})
}

func (h *Handler) RunIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	slaveID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slave id")
		return
	}

	report, err := h.manager.RunIntegrityCheck(r.Context(), slaveID)
	if err != nil {
		if errors.Is(err, store.ErrSlaveNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) GetRealtimeStatus(w http.ResponseWriter, r *http.Request) {
	active, queueSize := h.manager.RealtimeStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":     active,
		"queue_size": queueSize,
	})
}

type realtimeRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) SetRealtimeMode(w http.ResponseWriter, r *http.Request) {
	var req realtimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	previous := h.manager.SetRealtimeMode(req.Active)
	writeJSON(w, http.StatusOK, map[string]bool{
		"active":   req.Active,
		"previous": previous,
	})
}

type syncLogResponse struct {
	ID           int64     `json:"id"`
	SlaveID      int64     `json:"slave_id"`
	SlaveName    string    `json:"slave_name"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	ChangesCount int64     `json:"changes_count"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

func (h *Handler) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.LogFilter
	if v := q.Get("slave_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid slave_id")
			return
		}
		filter.SlaveID = &id
	}
	filter.Status = q.Get("status")
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filter.To = t
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, total, err := h.manager.ListSyncLogs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]syncLogResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, syncLogResponse{
			ID:           e.ID,
			SlaveID:      e.SlaveID,
			SlaveName:    e.SlaveName,
			Status:       e.Status,
			Message:      e.Message,
			ChangesCount: e.ChangesCount,
			DurationMS:   e.Duration.Milliseconds(),
			CreatedAt:    e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  out,
		"total": total,
	})
}

func (h *Handler) ClearSyncLogs(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ClearSyncLogs(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) EnableCapture(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := h.manager.EnableCapture(r.Context(), table); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"table": table, "capture": "enabled"})
}

func (h *Handler) DisableCapture(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := h.manager.DisableCapture(r.Context(), table); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"table": table, "capture": "disabled"})
}

func (h *Handler) OptimizeDatabases(w http.ResponseWriter, r *http.Request) {
	results := h.manager.OptimizeDatabases(r.Context())
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.cors {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != h.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
