package handler

import (
	"net/http"
	"time"

	"github.com/templui/downloadgroups/internal/ctxkeys"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/service"
)

type GroupHandler struct {
	groupService *service.GroupService
}

func NewGroupHandler(groupService *service.GroupService) *GroupHandler {
	return &GroupHandler{
		groupService: groupService,
	}
}

type createGroupRequest struct {
	Kind         model.GroupKind  `json:"kind"`
	Source       string           `json:"source"`
	AccessMode   model.AccessMode `json:"access_mode"`
	AllowReshare bool             `json:"allow_reshare"`
}

type assetsRequest struct {
	AssetIDs []string `json:"asset_ids"`
}

type primaryRequest struct {
	AssetID string `json:"asset_id"`
}

type expiryRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type groupResponse struct {
	Group  *model.Group       `json:"group"`
	Assets []*model.AssetLink `json:"assets"`
}

type archiveResponse struct {
	Group  *model.Group `json:"group"`
	Queued bool         `json:"queued"`
}

func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	createdBy := principal.ID
	group, err := h.groupService.Create(r.Context(), service.CreateGroupInput{
		TenantID:     principal.TenantID,
		CreatedBy:    &createdBy,
		Kind:         req.Kind,
		Source:       req.Source,
		AccessMode:   req.AccessMode,
		AllowReshare: req.AllowReshare,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, groupResponse{Group: group, Assets: []*model.AssetLink{}})
}

func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	groups, err := h.groupService.List(r.Context(), principal.TenantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if groups == nil {
		groups = []*model.Group{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	group, err := h.groupService.Get(r.Context(), principal.TenantID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

func (h *GroupHandler) GetBySlug(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	group, err := h.groupService.GetBySlug(r.Context(), principal.TenantID, r.PathValue("slug"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

func (h *GroupHandler) AttachAssets(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	var req assetsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	group, err := h.groupService.AttachAssets(r.Context(), principal.TenantID, r.PathValue("id"), req.AssetIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

func (h *GroupHandler) DetachAssets(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	var req assetsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	group, err := h.groupService.DetachAssets(r.Context(), principal.TenantID, r.PathValue("id"), req.AssetIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

func (h *GroupHandler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	var req primaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	groupID := r.PathValue("id")
	err := h.groupService.SetPrimary(r.Context(), principal.TenantID, groupID, req.AssetID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	group, err := h.groupService.Get(r.Context(), principal.TenantID, groupID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

func (h *GroupHandler) MarkReady(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	group, err := h.groupService.MarkReady(r.Context(), principal.TenantID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

// RequestArchive queues an archive build. 202 when a build was queued,
// 200 when the archive needs no work.
func (h *GroupHandler) RequestArchive(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())
	groupID := r.PathValue("id")

	queued, err := h.groupService.RequestArchive(r.Context(), principal.TenantID, groupID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	group, err := h.groupService.Get(r.Context(), principal.TenantID, groupID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, archiveResponse{Group: group, Queued: queued})
}

func (h *GroupHandler) ExtendExpiry(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	var req expiryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.ExpiresAt.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_expiry", "expires_at is required")
		return
	}

	group, err := h.groupService.ExtendExpiry(r.Context(), principal.TenantID, r.PathValue("id"), req.ExpiresAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

func (h *GroupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	group, err := h.groupService.SoftDelete(r.Context(), principal.TenantID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groupResponse{Group: group, Assets: []*model.AssetLink{}})
}

func (h *GroupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	principal := ctxkeys.Principal(r.Context())

	group, err := h.groupService.Restore(r.Context(), principal.TenantID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, group)
}

// respond writes the group together with its asset links.
func (h *GroupHandler) respond(w http.ResponseWriter, r *http.Request, status int, group *model.Group) {
	links, err := h.groupService.Links(r.Context(), group.TenantID, group.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if links == nil {
		links = []*model.AssetLink{}
	}
	writeJSON(w, status, groupResponse{Group: group, Assets: links})
}
