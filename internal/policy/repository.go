package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for groups, memberships
// and rules.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateGroup inserts a new group and returns it.
func (r *Repository) CreateGroup(ctx context.Context, name string, priority uint32) (Group, error) {
	group := Group{
		ID:        uuid.NewString(),
		Name:      name,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO groups (id, name, priority, created_at) VALUES ($1, $2, $3, $4)`,
		group.ID, group.Name, int64(group.Priority), group.CreatedAt)
	if err != nil {
		return Group{}, fmt.Errorf("policy: create group: %w", err)
	}
	return group, nil
}

// GetGroup fetches a group by ID.
func (r *Repository) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var g Group
	var priority int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, priority, created_at FROM groups WHERE id = $1`,
		groupID).Scan(&g.ID, &g.Name, &priority, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, ErrReferenceNotFound
		}
		return Group{}, fmt.Errorf("policy: get group: %w", err)
	}
	g.Priority = uint32(priority)
	return g, nil
}

// ListGroups returns all groups ordered by priority descending then ID.
func (r *Repository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, priority, created_at FROM groups ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("policy: list groups: %w", err)
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var g Group
		var priority int64
		if err := rows.Scan(&g.ID, &g.Name, &priority, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Priority = uint32(priority)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetGroupPriority updates a group's priority.
func (r *Repository) SetGroupPriority(ctx context.Context, groupID string, priority uint32) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE groups SET priority = $2 WHERE id = $1`, groupID, int64(priority))
	if err != nil {
		return fmt.Errorf("policy: set group priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReferenceNotFound
	}
	return nil
}

// AddMembership inserts a membership row. Multiple rows for the same
// (user, group) pair may exist; any non-deleted row counts.
func (r *Repository) AddMembership(ctx context.Context, userID, groupID string) (Membership, error) {
	m := Membership{
		ID:        uuid.NewString(),
		UserID:    userID,
		GroupID:   groupID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO memberships (id, user_id, group_id, is_deleted, created_at) VALUES ($1, $2, $3, FALSE, $4)`,
		m.ID, m.UserID, m.GroupID, m.CreatedAt)
	if err != nil {
		return Membership{}, fmt.Errorf("policy: add membership: %w", err)
	}
	return m, nil
}

// RemoveMembership soft-deletes every live membership row for the pair.
func (r *Repository) RemoveMembership(ctx context.Context, userID, groupID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE memberships SET is_deleted = TRUE WHERE user_id = $1 AND group_id = $2 AND is_deleted = FALSE`,
		userID, groupID)
	if err != nil {
		return fmt.Errorf("policy: remove membership: %w", err)
	}
	return nil
}

// ListGroupMembers returns the user IDs with a live membership in the group.
func (r *Repository) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM memberships WHERE group_id = $1 AND is_deleted = FALSE ORDER BY user_id`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("policy: list group members: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// UpsertGlobalRule applies the write-time consistency rule: an identical
// (group, capability, allow) row is returned as-is, and rows for the same
// (group, capability) with the opposite stance are removed, so a capability
// has at most one active stance per group. Runs in one transaction.
func (r *Repository) UpsertGlobalRule(ctx context.Context, groupID string, c capability.Capability, allow bool) (GlobalRule, error) {
	var rule GlobalRule
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id, group_id, capability, allow FROM global_rules WHERE group_id = $1 AND capability = $2 AND allow = $3`,
			groupID, string(c), allow).Scan(&rule.ID, &rule.GroupID, &rule.Capability, &rule.Allow)
		if err == nil {
			_, err = tx.Exec(ctx,
				`DELETE FROM global_rules WHERE group_id = $1 AND capability = $2 AND id <> $3`,
				groupID, string(c), rule.ID)
			return err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM global_rules WHERE group_id = $1 AND capability = $2`,
			groupID, string(c)); err != nil {
			return err
		}
		rule = GlobalRule{ID: uuid.NewString(), GroupID: groupID, Capability: c, Allow: allow}
		_, err = tx.Exec(ctx,
			`INSERT INTO global_rules (id, group_id, capability, allow) VALUES ($1, $2, $3, $4)`,
			rule.ID, rule.GroupID, string(rule.Capability), rule.Allow)
		return err
	})
	if err != nil {
		return GlobalRule{}, fmt.Errorf("policy: upsert global rule: %w", err)
	}
	return rule, nil
}

// DeleteGlobalRule removes the group's stance on the capability entirely.
// Distinct from a deny: resolution falls through to lower-priority groups.
func (r *Repository) DeleteGlobalRule(ctx context.Context, groupID string, c capability.Capability) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM global_rules WHERE group_id = $1 AND capability = $2`,
		groupID, string(c))
	if err != nil {
		return fmt.Errorf("policy: delete global rule: %w", err)
	}
	return nil
}

// UpsertScopedRule is UpsertGlobalRule keyed additionally by application.
func (r *Repository) UpsertScopedRule(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability, allow bool) (ScopedRule, error) {
	var rule ScopedRule
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id, group_id, application_id, capability, allow FROM scoped_rules
			 WHERE group_id = $1 AND application_id IS NOT DISTINCT FROM $2 AND capability = $3 AND allow = $4`,
			groupID, applicationID, string(c), allow).
			Scan(&rule.ID, &rule.GroupID, &rule.ApplicationID, &rule.Capability, &rule.Allow)
		if err == nil {
			_, err = tx.Exec(ctx,
				`DELETE FROM scoped_rules WHERE group_id = $1 AND application_id IS NOT DISTINCT FROM $2 AND capability = $3 AND id <> $4`,
				groupID, applicationID, string(c), rule.ID)
			return err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM scoped_rules WHERE group_id = $1 AND application_id IS NOT DISTINCT FROM $2 AND capability = $3`,
			groupID, applicationID, string(c)); err != nil {
			return err
		}
		rule = ScopedRule{ID: uuid.NewString(), GroupID: groupID, ApplicationID: applicationID, Capability: c, Allow: allow}
		_, err = tx.Exec(ctx,
			`INSERT INTO scoped_rules (id, group_id, application_id, capability, allow) VALUES ($1, $2, $3, $4, $5)`,
			rule.ID, rule.GroupID, rule.ApplicationID, string(rule.Capability), rule.Allow)
		return err
	})
	if err != nil {
		return ScopedRule{}, fmt.Errorf("policy: upsert scoped rule: %w", err)
	}
	return rule, nil
}

// DeleteScopedRule removes the group's stance on the scoped capability.
func (r *Repository) DeleteScopedRule(ctx context.Context, groupID string, applicationID *string, c capability.ScopedCapability) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM scoped_rules WHERE group_id = $1 AND application_id IS NOT DISTINCT FROM $2 AND capability = $3`,
		groupID, applicationID, string(c))
	if err != nil {
		return fmt.Errorf("policy: delete scoped rule: %w", err)
	}
	return nil
}

// ListUserPolicies loads the user's live groups and each group's rules.
func (r *Repository) ListUserPolicies(ctx context.Context, userID string) (UserPolicies, error) {
	out := UserPolicies{UserID: userID}

	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT g.id, g.name, g.priority, g.created_at
		 FROM groups g
		 JOIN memberships m ON m.group_id = g.id
		 WHERE m.user_id = $1 AND m.is_deleted = FALSE
		 ORDER BY g.priority DESC, g.id`,
		userID)
	if err != nil {
		return UserPolicies{}, fmt.Errorf("policy: list user groups: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var g Group
		var priority int64
		if err := rows.Scan(&g.ID, &g.Name, &priority, &g.CreatedAt); err != nil {
			return UserPolicies{}, err
		}
		g.Priority = uint32(priority)
		index[g.ID] = len(out.Groups)
		out.Groups = append(out.Groups, GroupPolicies{Group: g})
	}
	if err := rows.Err(); err != nil {
		return UserPolicies{}, err
	}
	if len(out.Groups) == 0 {
		return out, nil
	}

	groupIDs := make([]string, 0, len(out.Groups))
	for _, gp := range out.Groups {
		groupIDs = append(groupIDs, gp.Group.ID)
	}

	globalRows, err := r.pool.Query(ctx,
		`SELECT id, group_id, capability, allow FROM global_rules WHERE group_id = ANY($1) ORDER BY group_id, capability`,
		groupIDs)
	if err != nil {
		return UserPolicies{}, fmt.Errorf("policy: list global rules: %w", err)
	}
	defer globalRows.Close()
	for globalRows.Next() {
		var rule GlobalRule
		if err := globalRows.Scan(&rule.ID, &rule.GroupID, &rule.Capability, &rule.Allow); err != nil {
			return UserPolicies{}, err
		}
		i := index[rule.GroupID]
		out.Groups[i].GlobalRules = append(out.Groups[i].GlobalRules, rule)
	}
	if err := globalRows.Err(); err != nil {
		return UserPolicies{}, err
	}

	scopedRows, err := r.pool.Query(ctx,
		`SELECT id, group_id, application_id, capability, allow FROM scoped_rules WHERE group_id = ANY($1) ORDER BY group_id, capability, application_id NULLS FIRST`,
		groupIDs)
	if err != nil {
		return UserPolicies{}, fmt.Errorf("policy: list scoped rules: %w", err)
	}
	defer scopedRows.Close()
	for scopedRows.Next() {
		var rule ScopedRule
		if err := scopedRows.Scan(&rule.ID, &rule.GroupID, &rule.ApplicationID, &rule.Capability, &rule.Allow); err != nil {
			return UserPolicies{}, err
		}
		i := index[rule.GroupID]
		out.Groups[i].ScopedRules = append(out.Groups[i].ScopedRules, rule)
	}
	return out, scopedRows.Err()
}
