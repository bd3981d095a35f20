package payment

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
	"github.com/hiverun/controlplane/pkg/ledger"
)

const maxWebhookBodyBytes = 1 << 20 // 1MB

// Handler exposes the payment processor's inbound webhook endpoint: verify
// the event, then credit the ledger idempotently using the provider's own
// event id as reference_id.
type Handler struct {
	processor Processor
	ledger    *ledger.Ledger
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(processor Processor, led *ledger.Ledger, logger *slog.Logger) *Handler {
	return &Handler{processor: processor, ledger: led, logger: logger}
}

// Routes returns the payment webhook's HTTP routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhook", h.handleWebhook)
	return r
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "reading webhook body")
		return
	}

	result, err := h.processor.HandleWebhook(r.Context(), body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		h.respondErr(w, err)
		return
	}

	if !result.Handled {
		httpserver.Respond(w, http.StatusOK, map[string]any{"handled": false})
		return
	}

	credited := false
	if result.CreditedCents > 0 && result.TenantID != "" {
		credited = h.creditFromWebhook(r, result)
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"handled":  true,
		"tenant":   result.TenantID,
		"credited": credited,
	})
}

// creditFromWebhook applies a webhook's credit to the ledger using the
// event's own id as reference_id, so a redelivered event is rejected at the
// ledger's unique index and credits at most once.
func (h *Handler) creditFromWebhook(r *http.Request, result *WebhookResult) bool {
	description := "payment webhook: " + result.EventType
	referenceID := result.EventID

	_, err := h.ledger.Credit(r.Context(), result.TenantID, result.CreditedCents, "purchase", &description, &referenceID, nil, nil)
	if err == nil {
		return true
	}

	if apperr.KindOf(err) == apperr.KindInvalidInput {
		h.logger.Info("duplicate payment webhook ignored", "event_id", result.EventID, "tenant", result.TenantID)
		return false
	}

	h.logger.Error("crediting ledger from payment webhook", "event_id", result.EventID, "tenant", result.TenantID, "error", err)
	return false
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidSignature:
		status = http.StatusUnauthorized
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	}
	h.logger.Error("payment webhook request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
