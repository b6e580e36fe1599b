// Package groups exposes the administrative HTTP surface for groups,
// memberships and permission rules. The handlers are thin controllers over
// policy.Service.
package groups

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bullseye-dist/bullseye/internal/authz"
	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/platform/httpx"
	"github.com/bullseye-dist/bullseye/internal/policy"
)

// Handler manages group administration endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *policy.Service
	validate *validator.Validate
	mw       authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *policy.Service, mw authz.Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mw:       mw,
	}
}

// MountRoutes registers group administration routes. Everything is gated on
// group management capability.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(capability.UserAdminManageGroups))

		r.Get("/", h.listGroups)
		r.Post("/", h.createGroup)
		r.Get("/{groupID}", h.getGroup)
		r.Put("/{groupID}/priority", h.setPriority)

		r.Get("/{groupID}/members", h.listMembers)
		r.Post("/{groupID}/members", h.addMember)
		r.Delete("/{groupID}/members/{userID}", h.removeMember)

		r.Post("/{groupID}/rules/global", h.writeGlobalRule)
		r.Delete("/{groupID}/rules/global/{capability}", h.revokeGlobalRule)
		r.Post("/{groupID}/rules/scoped", h.writeScopedRule)
		r.Delete("/{groupID}/rules/scoped/{capability}", h.revokeScopedRule)
	})
}

type createGroupRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=128"`
	Priority uint32 `json:"priority"`
}

type priorityRequest struct {
	Priority uint32 `json:"priority"`
}

type memberRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type globalRuleRequest struct {
	Capability string `json:"capability" validate:"required"`
	Effect     string `json:"effect" validate:"required,oneof=grant deny"`
}

type scopedRuleRequest struct {
	Capability    string  `json:"capability" validate:"required"`
	ApplicationID *string `json:"application_id"`
	Effect        string  `json:"effect" validate:"required,oneof=grant deny"`
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListGroups(r.Context())
	if err != nil {
		h.respondError(w, "list groups", err)
		return
	}
	httpx.JSON(w, http.StatusOK, groups)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	group, err := h.service.CreateGroup(r.Context(), req.Name, req.Priority)
	if err != nil {
		h.respondError(w, "create group", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, group)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.service.GetGroup(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondError(w, "get group", err)
		return
	}
	httpx.JSON(w, http.StatusOK, group)
}

func (h *Handler) setPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetGroupPriority(r.Context(), chi.URLParam(r, "groupID"), req.Priority); err != nil {
		h.respondError(w, "set priority", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListGroupMembers(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondError(w, "list members", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_ids": members})
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.service.AddMember(r.Context(), req.UserID, chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondError(w, "add member", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveMember(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondError(w, "remove member", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) writeGlobalRule(w http.ResponseWriter, r *http.Request) {
	var req globalRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	groupID := chi.URLParam(r, "groupID")
	c := capability.Capability(req.Capability)
	var rule policy.GlobalRule
	var err error
	if req.Effect == "grant" {
		rule, err = h.service.GrantGlobal(r.Context(), groupID, c)
	} else {
		rule, err = h.service.DenyGlobal(r.Context(), groupID, c)
	}
	if err != nil {
		h.respondError(w, "write global rule", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) revokeGlobalRule(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	c := capability.Capability(chi.URLParam(r, "capability"))
	if err := h.service.RevokeGlobal(r.Context(), groupID, c); err != nil {
		h.respondError(w, "revoke global rule", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) writeScopedRule(w http.ResponseWriter, r *http.Request) {
	var req scopedRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	groupID := chi.URLParam(r, "groupID")
	c := capability.ScopedCapability(req.Capability)
	var rule policy.ScopedRule
	var err error
	if req.Effect == "grant" {
		rule, err = h.service.GrantScoped(r.Context(), groupID, req.ApplicationID, c)
	} else {
		rule, err = h.service.DenyScoped(r.Context(), groupID, req.ApplicationID, c)
	}
	if err != nil {
		h.respondError(w, "write scoped rule", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) revokeScopedRule(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	c := capability.ScopedCapability(chi.URLParam(r, "capability"))
	var applicationID *string
	if v := r.URL.Query().Get("application_id"); v != "" {
		applicationID = &v
	}
	if err := h.service.RevokeScoped(r.Context(), groupID, applicationID, c); err != nil {
		h.respondError(w, "revoke scoped rule", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, policy.ErrUnknownCapability), errors.Is(err, policy.ErrCapabilityNotScopable):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
	case errors.Is(err, policy.ErrReferenceNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
