package authz

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/platform/httpx"
	"github.com/bullseye-dist/bullseye/internal/shared"
)

// Handler exposes effective-permission lookups and manual recalculation.
type Handler struct {
	logger *slog.Logger
	gate   *Gate
	mw     Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, gate *Gate, mw Middleware) *Handler {
	return &Handler{logger: logger, gate: gate, mw: mw}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/effective", h.effective)
	r.Get("/applications/{applicationID}/effective", h.effectiveForApplication)
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(capability.UserAdminRecalculatePermissions))
		r.Post("/recalculate", h.recalculate)
	})
}

type effectiveResponse struct {
	UserID        string   `json:"user_id"`
	ApplicationID string   `json:"application_id,omitempty"`
	Capabilities  []string `json:"capabilities"`
}

func (h *Handler) effective(w http.ResponseWriter, r *http.Request) {
	userID := shared.UserIDFromContext(r.Context())
	if userID == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	caps, err := h.gate.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.logger.Error("effective permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, effectiveResponse{UserID: userID, Capabilities: caps})
}

func (h *Handler) effectiveForApplication(w http.ResponseWriter, r *http.Request) {
	userID := shared.UserIDFromContext(r.Context())
	if userID == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	applicationID := chi.URLParam(r, "applicationID")
	caps, err := h.gate.EffectiveApplicationPermissions(r.Context(), userID, applicationID)
	if err != nil {
		h.logger.Error("effective application permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, effectiveResponse{UserID: userID, ApplicationID: applicationID, Capabilities: caps})
}

type recalculateRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.UserID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id is required")
		return
	}
	caps, err := h.gate.Recalculate(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("recalculate permissions", slog.String("user_id", req.UserID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, effectiveResponse{UserID: req.UserID, Capabilities: caps})
}
