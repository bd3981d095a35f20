package notifyqueue

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes read-only admin visibility into the notification queue.
type Handler struct {
	queue  *Queue
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(queue *Queue, logger *slog.Logger) *Handler {
	return &Handler{queue: queue, logger: logger}
}

// Routes returns the notification queue's HTTP routes, scoped under a
// tenant id.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenant}", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.queue.ListByTenant(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		h.logger.Error("listing notification queue entries", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "transient", "failed to list notifications")
		return
	}
	httpserver.Respond(w, http.StatusOK, entries)
}
