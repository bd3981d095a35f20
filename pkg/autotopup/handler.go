package autotopup

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes per-tenant auto-topup configuration.
type Handler struct {
	controller *Controller
	logger     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(c *Controller, logger *slog.Logger) *Handler {
	return &Handler{controller: c, logger: logger}
}

// Routes returns the auto-topup settings HTTP routes, scoped under a
// tenant id.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenant}", h.handleGet)
	r.Put("/{tenant}", h.handlePut)
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	settings, err := h.controller.GetSettings(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if settings == nil {
		httpserver.RespondError(w, http.StatusNotFound, string(apperr.KindNotFound), "no auto-topup settings for this tenant")
		return
	}
	httpserver.Respond(w, http.StatusOK, settings)
}

type settingsRequest struct {
	UsageEnabled          bool       `json:"usage_enabled"`
	UsageThreshold        int64      `json:"usage_threshold"`
	UsageTopupAmount      int64      `json:"usage_topup_amount"`
	ScheduleEnabled       bool       `json:"schedule_enabled"`
	ScheduleAmount        int64      `json:"schedule_amount"`
	ScheduleIntervalHours int        `json:"schedule_interval_hours"`
	ScheduleNextAt        *time.Time `json:"schedule_next_at"`
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	if req.ScheduleEnabled && req.ScheduleIntervalHours <= 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "schedule_interval_hours must be positive when schedule_enabled is set")
		return
	}

	err := h.controller.UpsertSettings(r.Context(), Settings{
		TenantID:              tenant,
		UsageEnabled:          req.UsageEnabled,
		UsageThreshold:        req.UsageThreshold,
		UsageTopupAmount:      req.UsageTopupAmount,
		ScheduleEnabled:       req.ScheduleEnabled,
		ScheduleAmount:        req.ScheduleAmount,
		ScheduleIntervalHours: req.ScheduleIntervalHours,
		ScheduleNextAt:        req.ScheduleNextAt,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	}
	h.logger.Error("auto-topup request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
