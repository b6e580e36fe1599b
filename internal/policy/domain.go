// Package policy owns groups, memberships and permission rules, and the
// administrative mutations over them.
package policy

import (
	"errors"
	"time"

	"github.com/bullseye-dist/bullseye/internal/capability"
)

var (
	// ErrUnknownCapability indicates a rule write naming a capability that is
	// not in the catalog.
	ErrUnknownCapability = errors.New("policy: unknown capability")
	// ErrCapabilityNotScopable indicates a scoped rule write against a
	// global-only capability.
	ErrCapabilityNotScopable = errors.New("policy: capability cannot be scoped to an application")
	// ErrReferenceNotFound indicates a rule or membership write referencing a
	// group or application that does not exist.
	ErrReferenceNotFound = errors.New("policy: referenced record not found")
)

// Group is a named, prioritized container of rules. Higher priority wins
// conflicts between groups; ties break on group ID.
type Group struct {
	ID        string
	Name      string
	Priority  uint32
	CreatedAt time.Time
}

// Membership associates a user with a group. Rows are soft-deleted to keep
// audit history; resolution only considers rows with IsDeleted false.
type Membership struct {
	ID        string
	UserID    string
	GroupID   string
	IsDeleted bool
	CreatedAt time.Time
}

// GlobalRule is one group's explicit stance on a platform-wide capability.
type GlobalRule struct {
	ID         string
	GroupID    string
	Capability capability.Capability
	Allow      bool
}

// ScopedRule is one group's explicit stance on an application-scoped
// capability. A nil ApplicationID is the group-wide default for the
// applications the group administers.
type ScopedRule struct {
	ID            string
	GroupID       string
	ApplicationID *string
	Capability    capability.ScopedCapability
	Allow         bool
}

// UserPolicies is the full rule snapshot resolution needs for one user: the
// user's non-deleted groups with each group's global and scoped rules.
type UserPolicies struct {
	UserID string
	Groups []GroupPolicies
}

// GroupPolicies bundles one group with its rules.
type GroupPolicies struct {
	Group       Group
	GlobalRules []GlobalRule
	ScopedRules []ScopedRule
}
