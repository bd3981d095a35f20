package meteraggregate

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes aggregated usage summaries for billing and dashboard
// queries.
type Handler struct {
	aggregator *Aggregator
	logger     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(aggregator *Aggregator, logger *slog.Logger) *Handler {
	return &Handler{aggregator: aggregator, logger: logger}
}

// Routes returns the usage query HTTP routes, scoped under a tenant id.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenant}/usage", h.handleUsage)
	r.Get("/{tenant}/total", h.handleTotal)
	return r
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var f QueryFilter
	if since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64); err == nil {
		f.Since = since
	}
	if until, err := strconv.ParseInt(r.URL.Query().Get("until"), 10, 64); err == nil {
		f.Until = until
	}

	summaries, err := h.aggregator.QuerySummaries(r.Context(), tenant, f)
	if err != nil {
		h.logger.Error("querying usage summaries", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "transient", "failed to query usage")
		return
	}
	httpserver.Respond(w, http.StatusOK, summaries)
}

func (h *Handler) handleTotal(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var since int64
	if s, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64); err == nil {
		since = s
	}

	cost, charge, err := h.aggregator.TenantTotal(r.Context(), tenant, since)
	if err != nil {
		h.logger.Error("querying tenant usage total", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "transient", "failed to query usage total")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int64{"total_cost": cost, "total_charge": charge})
}
