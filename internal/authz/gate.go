// Package authz answers "may this user perform this capability" from the
// materialized permission cache, and exposes the HTTP surface consuming it.
package authz

import (
	"context"
	"log/slog"

	"github.com/bullseye-dist/bullseye/internal/capability"
)

// PermissionSource supplies allowed capability sets, normally the
// permcache.Cache.
type PermissionSource interface {
	GetOrCompute(ctx context.Context, userID, applicationID string) ([]string, error)
	Recompute(ctx context.Context, userID, applicationID string) ([]string, error)
}

// Metrics receives check outcome counts.
type Metrics interface {
	CheckObserved(allowed bool, failed bool)
}

// Gate is the consumer-facing authorization contract.
type Gate struct {
	source  PermissionSource
	logger  *slog.Logger
	metrics Metrics
}

// NewGate builds a Gate.
func NewGate(source PermissionSource, logger *slog.Logger, metrics Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{source: source, logger: logger, metrics: metrics}
}

// HasPermission reports whether the user may perform the platform-wide
// capability. Lookup failures fail closed: the check denies and the error is
// returned so callers can distinguish an outage from a deny.
func (g *Gate) HasPermission(ctx context.Context, userID string, c capability.Capability) (bool, error) {
	if userID == "" {
		return false, nil
	}
	caps, err := g.source.GetOrCompute(ctx, userID, "")
	if err != nil {
		g.logger.Error("permission lookup failed", slog.String("user_id", userID), slog.Any("error", err))
		g.observe(false, true)
		return false, err
	}
	allowed := contains(caps, string(c))
	g.observe(allowed, false)
	return allowed, nil
}

// HasAnyPermission reports whether any one of the capabilities resolves to
// allow for the user.
func (g *Gate) HasAnyPermission(ctx context.Context, userID string, caps ...capability.Capability) (bool, error) {
	if userID == "" || len(caps) == 0 {
		return false, nil
	}
	granted, err := g.source.GetOrCompute(ctx, userID, "")
	if err != nil {
		g.logger.Error("permission lookup failed", slog.String("user_id", userID), slog.Any("error", err))
		g.observe(false, true)
		return false, err
	}
	for _, c := range caps {
		if contains(granted, string(c)) {
			g.observe(true, false)
			return true, nil
		}
	}
	g.observe(false, false)
	return false, nil
}

// HasApplicationPermission reports whether the user may perform the scoped
// capability on the application.
func (g *Gate) HasApplicationPermission(ctx context.Context, userID, applicationID string, c capability.ScopedCapability) (bool, error) {
	if userID == "" || applicationID == "" {
		return false, nil
	}
	caps, err := g.source.GetOrCompute(ctx, userID, applicationID)
	if err != nil {
		g.logger.Error("permission lookup failed",
			slog.String("user_id", userID),
			slog.String("application_id", applicationID),
			slog.Any("error", err))
		g.observe(false, true)
		return false, err
	}
	allowed := contains(caps, string(c))
	g.observe(allowed, false)
	return allowed, nil
}

// EffectivePermissions returns the user's allowed platform-wide capabilities.
func (g *Gate) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	return g.source.GetOrCompute(ctx, userID, "")
}

// EffectiveApplicationPermissions returns the user's allowed scoped
// capabilities for one application.
func (g *Gate) EffectiveApplicationPermissions(ctx context.Context, userID, applicationID string) ([]string, error) {
	return g.source.GetOrCompute(ctx, userID, applicationID)
}

// Recalculate forces a fresh platform-wide resolution for the user, the
// manual recovery path behind UserAdminRecalculatePermissions.
func (g *Gate) Recalculate(ctx context.Context, userID string) ([]string, error) {
	return g.source.Recompute(ctx, userID, "")
}

func (g *Gate) observe(allowed, failed bool) {
	if g.metrics != nil {
		g.metrics.CheckObserved(allowed, failed)
	}
}

func contains(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
