package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes the credit ledger's read/write operations for admin and
// billing-integration callers.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(l *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: l, logger: logger}
}

// Routes returns the ledger's HTTP routes, scoped under a tenant id.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenant}/balance", h.handleBalance)
	r.Get("/{tenant}/history", h.handleHistory)
	r.Post("/{tenant}/credit", h.handleCredit)
	r.Post("/{tenant}/debit", h.handleDebit)
	return r
}

type writeRequest struct {
	Amount           int64   `json:"amount"`
	Type             string  `json:"type"`
	Description      *string `json:"description"`
	ReferenceID      *string `json:"reference_id"`
	FundingSource    *string `json:"funding_source"`
	AttributedUserID *string `json:"attributed_user_id"`
	AllowNegative    bool    `json:"allow_negative"`
}

func (h *Handler) handleCredit(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	tx, err := h.ledger.Credit(r.Context(), tenant, req.Amount, req.Type, req.Description, req.ReferenceID, req.FundingSource, req.AttributedUserID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, tx)
}

func (h *Handler) handleDebit(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	tx, err := h.ledger.Debit(r.Context(), tenant, req.Amount, req.Type, req.Description, req.ReferenceID, req.AllowNegative)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, tx)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var f HistoryFilter
	f.Type = r.URL.Query().Get("type")
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		f.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		f.Offset = offset
	}

	txs, err := h.ledger.History(r.Context(), tenant, f)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, txs)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindInsufficientBalance:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	}
	h.logger.Error("ledger request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
