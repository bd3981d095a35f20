package routing

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes the reverse-proxy route table for reconciliation by
// whatever pushes it to the actual proxy.
type Handler struct {
	table  *Table
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(table *Table, logger *slog.Logger) *Handler {
	return &Handler{table: table, logger: logger}
}

// Routes returns the route table's HTTP routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleReload)
	r.Post("/", h.handleAdd)
	r.Delete("/{id}", h.handleRemove)
	r.Put("/{id}/health", h.handleUpdateHealth)
	return r
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.table.Reload())
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var route Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	if err := h.table.AddRoute(r.Context(), route); err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, route)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	h.table.RemoveRoute(chi.URLParam(r, "id"))
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type healthRequest struct {
	Healthy bool `json:"healthy"`
}

func (h *Handler) handleUpdateHealth(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	if err := h.table.UpdateHealth(chi.URLParam(r, "id"), req.Healthy); err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidInput, apperr.KindInvalidUpstream:
		status = http.StatusBadRequest
	}
	h.logger.Error("routing request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
