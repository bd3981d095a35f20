package fleet

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/internal/httpserver"
	"github.com/hiverun/controlplane/pkg/node"
	"github.com/hiverun/controlplane/pkg/placement"
)

// Handler exposes bot profile/instance CRUD and deploy-time placement.
type Handler struct {
	store  *Store
	nodes  *node.Registry
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, nodes *node.Registry, logger *slog.Logger) *Handler {
	return &Handler{store: store, nodes: nodes, logger: logger}
}

// Routes returns the fleet's HTTP routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/profiles", h.handleCreateProfile)
	r.Post("/instances", h.handleDeploy)
	r.Get("/instances/{id}", h.handleGetInstance)
	r.Get("/tenants/{tenant}/instances", h.handleListByTenant)
	r.Get("/nodes/{node}/instances", h.handleListByNode)
	return r
}

type createProfileRequest struct {
	Image          string          `json:"image"`
	Env            json.RawMessage `json:"env"`
	RestartPolicy  string          `json:"restart_policy"`
	UpdatePolicy   string          `json:"update_policy"`
	ReleaseChannel string          `json:"release_channel"`
}

func (h *Handler) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	profile, err := h.store.CreateProfile(r.Context(), Profile{
		Image:          req.Image,
		Env:            req.Env,
		RestartPolicy:  req.RestartPolicy,
		UpdatePolicy:   req.UpdatePolicy,
		ReleaseChannel: req.ReleaseChannel,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, profile)
}

type deployRequest struct {
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	ProfileID   uuid.UUID `json:"profile_id"`
	EstimatedMB int64     `json:"estimated_mb"`
}

// handleDeploy places a new bot instance onto the node with the most
// available capacity, then persists the instance pinned to that node.
func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	if req.TenantID == "" || req.Name == "" || req.ProfileID == uuid.Nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "tenant_id, name, and profile_id are required")
		return
	}
	estimatedMB := req.EstimatedMB
	if estimatedMB == 0 {
		estimatedMB = 100
	}

	nodes, err := h.nodes.ListActive(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}

	candidate := placement.FindPlacement(nodes, estimatedMB)
	if candidate == nil {
		h.respondErr(w, apperr.New(apperr.KindNoCapacity, "no active node has enough available capacity"))
		return
	}

	targetNode := candidate.ID
	inst, err := h.store.CreateInstance(r.Context(), Instance{
		TenantID:    req.TenantID,
		Name:        req.Name,
		NodeID:      &targetNode,
		ProfileID:   req.ProfileID,
		EstimatedMB: estimatedMB,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}

	if err := h.nodes.AddNodeCapacity(r.Context(), targetNode, estimatedMB); err != nil {
		h.logger.Error("failed to reserve capacity after deploy", "node_id", targetNode, "error", err)
	}

	httpserver.Respond(w, http.StatusCreated, inst)
}

func (h *Handler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "instance id must be a uuid")
		return
	}

	inst, err := h.store.GetInstance(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, inst)
}

func (h *Handler) handleListByTenant(w http.ResponseWriter, r *http.Request) {
	insts, err := h.store.ListByTenant(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, insts)
}

func (h *Handler) handleListByNode(w http.ResponseWriter, r *http.Request) {
	insts, err := h.store.ListByNode(r.Context(), chi.URLParam(r, "node"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, insts)
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
	}
	h.logger.Error("fleet request failed", "error", err)
	httpserver.RespondError(w, status, string(apperr.KindOf(err)), err.Error())
}
