package migration

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes migration and drain operations for admin tooling.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Routes returns the migration engine's HTTP routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/instances/{id}/migrate", h.handleMigrate)
	r.Post("/nodes/{id}/drain", h.handleDrain)
	return r
}

type migrateRequest struct {
	TargetNode string `json:"target_node"`
}

func (h *Handler) handleMigrate(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "instance id must be a uuid")
		return
	}

	var req migrateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
			return
		}
	}

	result, err := h.engine.MigrateTenant(r.Context(), instanceID, req.TargetNode)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")

	result, err := h.engine.DrainNode(r.Context(), nodeID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindNoCapacity:
		status = http.StatusConflict
	case apperr.KindNodeNotConnected:
		status = http.StatusConflict
	}
	h.logger.Error("migration request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
