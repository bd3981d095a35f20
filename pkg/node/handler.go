package node

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes node registration, heartbeats, and listing over HTTP —
// the surface worker nodes themselves call into.
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// Routes returns the node registry's HTTP routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/{id}/register", h.handleRegister)
	r.Post("/{id}/heartbeat", h.handleHeartbeat)
	return r
}

type registerRequest struct {
	Host       string `json:"host"`
	CapacityMB int64  `json:"capacity_mb"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	if err := h.registry.Register(r.Context(), id, req.Host, req.CapacityMB); err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "registered"})
}

type heartbeatRequest struct {
	UsedMB int64 `json:"used_mb"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	if err := h.registry.Heartbeat(r.Context(), id, req.UsedMB); err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.registry.List(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nodes)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindTransient:
		status = http.StatusServiceUnavailable
	}
	h.logger.Error("node request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
