package vault

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
)

// Handler exposes per-tenant provider API key storage. Reveal is
// deliberately not routed here — decrypting a key is reserved for the
// in-process callers (e.g. the provider clients) that need the plaintext,
// not the admin HTTP surface.
type Handler struct {
	vault  *Vault
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(v *Vault, logger *slog.Logger) *Handler {
	return &Handler{vault: v, logger: logger}
}

// Routes returns the vault's HTTP routes, scoped under a tenant id.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenant}", h.handleList)
	r.Put("/{tenant}/{provider}", h.handleStore)
	r.Delete("/{tenant}/{provider}", h.handleDelete)
	return r
}

type storeRequest struct {
	Label     *string `json:"label"`
	Plaintext string  `json:"plaintext"`
}

func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	provider := chi.URLParam(r, "provider")

	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	if req.Plaintext == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "plaintext is required")
		return
	}

	if err := h.vault.Store(r.Context(), tenant, provider, req.Label, []byte(req.Plaintext)); err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	keys, err := h.vault.List(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, keys)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Delete(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "provider")); err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	}
	h.logger.Error("vault request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
