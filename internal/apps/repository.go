package apps

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bullseye-dist/bullseye/internal/shared"
)

// Repository provides PostgreSQL backed reads over applications.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Exists reports whether the application is registered.
func (r *Repository) Exists(ctx context.Context, applicationID string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM applications WHERE id = $1`, applicationID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("apps: exists: %w", err)
	}
	return true, nil
}

// Get fetches one application.
func (r *Repository) Get(ctx context.Context, applicationID string) (Application, error) {
	var app Application
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM applications WHERE id = $1`,
		applicationID).Scan(&app.ID, &app.Name, &app.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, shared.ErrNotFound
		}
		return Application{}, fmt.Errorf("apps: get: %w", err)
	}
	return app, nil
}

// List returns all applications ordered by name.
func (r *Repository) List(ctx context.Context) ([]Application, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, created_at FROM applications ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("apps: list: %w", err)
	}
	defer rows.Close()
	var out []Application
	for rows.Next() {
		var app Application
		if err := rows.Scan(&app.ID, &app.Name, &app.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}
