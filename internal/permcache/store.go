// Package permcache materializes resolved permission sets so authorization
// checks do not pay a full resolution on every request. Snapshots are
// persisted in postgres for audit history, with a redis hot layer in front.
package permcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoSnapshot indicates no live snapshot exists for the key.
var ErrNoSnapshot = errors.New("permcache: no snapshot")

// Snapshot is one materialized permission set. ApplicationID is empty for the
// platform-wide set. Capabilities holds the allowed set only; absence means
// deny. Stale snapshots are superseded in place of being mutated or deleted.
type Snapshot struct {
	ID            string
	UserID        string
	ApplicationID string
	Capabilities  []string
	ComputedAt    time.Time
	Superseded    bool
}

// Store persists snapshots in postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a snapshot store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Latest returns the newest non-superseded snapshot for the key, or
// ErrNoSnapshot.
func (s *Store) Latest(ctx context.Context, userID, applicationID string) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, application_id, capabilities, computed_at
		 FROM permission_snapshots
		 WHERE user_id = $1 AND application_id = $2 AND superseded = FALSE
		 ORDER BY computed_at DESC, id DESC
		 LIMIT 1`,
		userID, applicationID).
		Scan(&snap.ID, &snap.UserID, &snap.ApplicationID, &snap.Capabilities, &snap.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("permcache: latest snapshot: %w", err)
	}
	return snap, nil
}

// Insert persists a freshly computed snapshot and flags every older live
// snapshot for the same key as superseded. Supersede-then-insert runs in one
// statement batch but needs no transaction: a concurrent duplicate insert is
// tolerated, the newest row wins on read.
func (s *Store) Insert(ctx context.Context, userID, applicationID string, capabilities []string) (Snapshot, error) {
	snap := Snapshot{
		ID:            uuid.NewString(),
		UserID:        userID,
		ApplicationID: applicationID,
		Capabilities:  capabilities,
		ComputedAt:    time.Now().UTC(),
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE permission_snapshots SET superseded = TRUE
		 WHERE user_id = $1 AND application_id = $2 AND superseded = FALSE`,
		userID, applicationID); err != nil {
		return Snapshot{}, fmt.Errorf("permcache: supersede snapshots: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO permission_snapshots (id, user_id, application_id, capabilities, computed_at, superseded)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		snap.ID, snap.UserID, snap.ApplicationID, snap.Capabilities, snap.ComputedAt); err != nil {
		return Snapshot{}, fmt.Errorf("permcache: insert snapshot: %w", err)
	}
	return snap, nil
}

// Supersede flags every live snapshot for the key without computing a
// replacement. An empty applicationID supersedes only the platform-wide set;
// SupersedeAll covers both.
func (s *Store) Supersede(ctx context.Context, userID, applicationID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE permission_snapshots SET superseded = TRUE
		 WHERE user_id = $1 AND application_id = $2 AND superseded = FALSE`,
		userID, applicationID)
	if err != nil {
		return fmt.Errorf("permcache: supersede: %w", err)
	}
	return nil
}

// SupersedeAll flags every live snapshot for the user, global and scoped.
func (s *Store) SupersedeAll(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE permission_snapshots SET superseded = TRUE
		 WHERE user_id = $1 AND superseded = FALSE`,
		userID)
	if err != nil {
		return fmt.Errorf("permcache: supersede all: %w", err)
	}
	return nil
}

// StaleUsers lists users whose newest live snapshot is older than cutoff or
// who have no live snapshot at all but do have memberships. Used by the
// nightly sweep.
func (s *Store) StaleUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT m.user_id
		 FROM memberships m
		 LEFT JOIN permission_snapshots p
		   ON p.user_id = m.user_id AND p.application_id = '' AND p.superseded = FALSE AND p.computed_at >= $1
		 WHERE m.is_deleted = FALSE AND p.id IS NULL
		 ORDER BY m.user_id`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("permcache: stale users: %w", err)
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
