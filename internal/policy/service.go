package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/shared"
)

// RepositoryPort defines data access methods for policy records.
type RepositoryPort interface {
	CreateGroup(ctx context.Context, name string, priority uint32) (Group, error)
	GetGroup(ctx context.Context, groupID string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	SetGroupPriority(ctx context.Context, groupID string, priority uint32) error

	AddMembership(ctx context.Context, userID, groupID string) (Membership, error)
	RemoveMembership(ctx context.Context, userID, groupID string) error
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)

	UpsertGlobalRule(ctx context.Context, groupID string, c capability.Capability, allow bool) (GlobalRule, error)
	DeleteGlobalRule(ctx context.Context, groupID string, c capability.Capability) error
	UpsertScopedRule(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability, allow bool) (ScopedRule, error)
	DeleteScopedRule(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability) error

	ListUserPolicies(ctx context.Context, userID string) (UserPolicies, error)
}

// ApplicationDirectory answers whether an application exists.
type ApplicationDirectory interface {
	Exists(ctx context.Context, applicationID string) (bool, error)
}

// Invalidator supersedes cached permission snapshots after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
	InvalidateGroup(ctx context.Context, groupID string) ([]string, error)
}

// Recomputer schedules background recomputation for invalidated users.
type Recomputer interface {
	EnqueueRecompute(ctx context.Context, userID string) error
}

// AuditRecorder captures audit events for administrative mutations.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service validates and applies administrative policy mutations, keeping the
// permission cache coherent. Every mutation that can change a resolution
// outcome invalidates affected users synchronously.
type Service struct {
	repo      RepositoryPort
	apps      ApplicationDirectory
	graph     *capability.Graph
	scoped    *capability.ScopedGraph
	cache     Invalidator
	recompute Recomputer
	audit     AuditRecorder
	logger    *slog.Logger
}

// ServiceConfig collects Service dependencies. Cache, Recompute and Audit are
// optional; a nil Cache disables invalidation (tests only).
type ServiceConfig struct {
	Repo      RepositoryPort
	Apps      ApplicationDirectory
	Graph     *capability.Graph
	Scoped    *capability.ScopedGraph
	Cache     Invalidator
	Recompute Recomputer
	Audit     AuditRecorder
	Logger    *slog.Logger
}

// NewService builds a Service instance.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      cfg.Repo,
		apps:      cfg.Apps,
		graph:     cfg.Graph,
		scoped:    cfg.Scoped,
		cache:     cfg.Cache,
		recompute: cfg.Recompute,
		audit:     cfg.Audit,
		logger:    logger,
	}
}

// CreateGroup creates a new group.
func (s *Service) CreateGroup(ctx context.Context, name string, priority uint32) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("policy: group name required")
	}
	group, err := s.repo.CreateGroup(ctx, name, priority)
	if err != nil {
		return Group{}, err
	}
	s.record(ctx, "group_create", "groups", group.ID, map[string]any{"name": name, "priority": priority})
	return group, nil
}

// GetGroup fetches a group by ID.
func (s *Service) GetGroup(ctx context.Context, groupID string) (Group, error) {
	return s.repo.GetGroup(ctx, groupID)
}

// ListGroups returns all groups in resolution order.
func (s *Service) ListGroups(ctx context.Context) ([]Group, error) {
	return s.repo.ListGroups(ctx)
}

// SetGroupPriority changes a group's authority ranking and invalidates every
// member, since reordering can flip any conflicted decision.
func (s *Service) SetGroupPriority(ctx context.Context, groupID string, priority uint32) error {
	if err := s.repo.SetGroupPriority(ctx, groupID, priority); err != nil {
		return err
	}
	s.record(ctx, "group_priority", "groups", groupID, map[string]any{"priority": priority})
	return s.invalidateGroup(ctx, groupID)
}

// AddMember adds a user to a group and invalidates that user.
func (s *Service) AddMember(ctx context.Context, userID, groupID string) (Membership, error) {
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return Membership{}, err
	}
	m, err := s.repo.AddMembership(ctx, userID, groupID)
	if err != nil {
		return Membership{}, err
	}
	s.record(ctx, "membership_add", "memberships", m.ID, map[string]any{"user_id": userID, "group_id": groupID})
	return m, s.invalidateUser(ctx, userID)
}

// RemoveMember soft-deletes the user's membership rows for the group and
// invalidates that user.
func (s *Service) RemoveMember(ctx context.Context, userID, groupID string) error {
	if err := s.repo.RemoveMembership(ctx, userID, groupID); err != nil {
		return err
	}
	s.record(ctx, "membership_remove", "memberships", userID+":"+groupID, nil)
	return s.invalidateUser(ctx, userID)
}

// GrantGlobal records an explicit allow for the capability on the group.
func (s *Service) GrantGlobal(ctx context.Context, groupID string, c capability.Capability) (GlobalRule, error) {
	return s.writeGlobal(ctx, groupID, c, true)
}

// DenyGlobal records an explicit deny. Distinct from RevokeGlobal: a deny
// blocks lower-priority grants, a revoke falls through to them.
func (s *Service) DenyGlobal(ctx context.Context, groupID string, c capability.Capability) (GlobalRule, error) {
	return s.writeGlobal(ctx, groupID, c, false)
}

// RevokeGlobal deletes the group's stance on the capability.
func (s *Service) RevokeGlobal(ctx context.Context, groupID string, c capability.Capability) error {
	if !s.graph.Known(c) {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if err := s.repo.DeleteGlobalRule(ctx, groupID, c); err != nil {
		return err
	}
	s.record(ctx, "rule_revoke", "global_rules", groupID, map[string]any{"capability": string(c)})
	return s.invalidateGroup(ctx, groupID)
}

// GrantScoped records an explicit allow for the scoped capability. A nil
// applicationID sets the group-wide default.
func (s *Service) GrantScoped(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability) (ScopedRule, error) {
	return s.writeScoped(ctx, groupID, applicationID, c, true)
}

// DenyScoped records an explicit deny for the scoped capability.
func (s *Service) DenyScoped(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability) (ScopedRule, error) {
	return s.writeScoped(ctx, groupID, applicationID, c, false)
}

// RevokeScoped deletes the group's stance on the scoped capability.
func (s *Service) RevokeScoped(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability) error {
	if err := s.checkScopable(c); err != nil {
		return err
	}
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if err := s.repo.DeleteScopedRule(ctx, groupID, applicationID, c); err != nil {
		return err
	}
	s.record(ctx, "rule_revoke", "scoped_rules", groupID, map[string]any{"capability": string(c)})
	return s.invalidateGroup(ctx, groupID)
}

// ListUserPolicies exposes the resolution snapshot for a user.
func (s *Service) ListUserPolicies(ctx context.Context, userID string) (UserPolicies, error) {
	return s.repo.ListUserPolicies(ctx, userID)
}

// ListGroupMembers exposes the live member list for a group.
func (s *Service) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	return s.repo.ListGroupMembers(ctx, groupID)
}

func (s *Service) writeGlobal(ctx context.Context, groupID string, c capability.Capability, allow bool) (GlobalRule, error) {
	if !s.graph.Known(c) {
		return GlobalRule{}, fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return GlobalRule{}, err
	}
	rule, err := s.repo.UpsertGlobalRule(ctx, groupID, c, allow)
	if err != nil {
		return GlobalRule{}, err
	}
	action := "rule_deny"
	if allow {
		action = "rule_grant"
	}
	s.record(ctx, action, "global_rules", rule.ID, map[string]any{"group_id": groupID, "capability": string(c)})
	return rule, s.invalidateGroup(ctx, groupID)
}

func (s *Service) writeScoped(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability, allow bool) (ScopedRule, error) {
	if err := s.checkScopable(c); err != nil {
		return ScopedRule{}, err
	}
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return ScopedRule{}, err
	}
	if applicationID != nil {
		ok, err := s.apps.Exists(ctx, *applicationID)
		if err != nil {
			return ScopedRule{}, err
		}
		if !ok {
			return ScopedRule{}, fmt.Errorf("%w: application %s", ErrReferenceNotFound, *applicationID)
		}
	}
	rule, err := s.repo.UpsertScopedRule(ctx, groupID, applicationID, c, allow)
	if err != nil {
		return ScopedRule{}, err
	}
	action := "rule_deny"
	if allow {
		action = "rule_grant"
	}
	meta := map[string]any{"group_id": groupID, "capability": string(c)}
	if applicationID != nil {
		meta["application_id"] = *applicationID
	}
	s.record(ctx, action, "scoped_rules", rule.ID, meta)
	return rule, s.invalidateGroup(ctx, groupID)
}

// checkScopable rejects scoped rule writes naming a capability outside the
// scoped catalog. Naming a global-only platform capability is reported as
// not-scopable rather than unknown.
func (s *Service) checkScopable(c capability.ScopedCapability) error {
	if s.scoped.Known(c) {
		return nil
	}
	if g := capability.Capability(c); s.graph.Known(g) && s.graph.IsGlobalOnly(g) {
		return fmt.Errorf("%w: %s", ErrCapabilityNotScopable, c)
	}
	return fmt.Errorf("%w: %s", ErrUnknownCapability, c)
}

func (s *Service) invalidateUser(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("policy: invalidate user: %w", err)
	}
	s.scheduleRecompute(ctx, userID)
	return nil
}

func (s *Service) invalidateGroup(ctx context.Context, groupID string) error {
	if s.cache == nil {
		return nil
	}
	members, err := s.cache.InvalidateGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("policy: invalidate group: %w", err)
	}
	for _, userID := range members {
		s.scheduleRecompute(ctx, userID)
	}
	return nil
}

func (s *Service) scheduleRecompute(ctx context.Context, userID string) {
	if s.recompute == nil {
		return
	}
	if err := s.recompute.EnqueueRecompute(ctx, userID); err != nil {
		// Recompute is a pre-warm only; the next lookup resolves on demand.
		s.logger.Warn("enqueue recompute", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  shared.UserIDFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
