package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patchlore/patchlore/internal/models"
)

// ErrSubsystemNotFound is returned when a subsystem does not exist.
var ErrSubsystemNotFound = errors.New("subsystem not found")

// SubsystemRepository handles subsystem subscription persistence.
type SubsystemRepository struct {
	db *DB
}

// NewSubsystemRepository creates a new SubsystemRepository.
func NewSubsystemRepository(db *DB) *SubsystemRepository {
	return &SubsystemRepository{db: db}
}

// Subscribe marks a subsystem as subscribed, creating it if needed.
func (r *SubsystemRepository) Subscribe(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subsystems (name, subscribed, created_at)
		VALUES (?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET subscribed = 1
	`, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to subscribe subsystem: %w", err)
	}
	return nil
}

// Unsubscribe marks a subsystem as unsubscribed.
func (r *SubsystemRepository) Unsubscribe(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subsystems SET subscribed = 0 WHERE name = ?
	`, name)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe subsystem: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrSubsystemNotFound
	}
	return nil
}

// ListSubscribed returns the names of subscribed subsystems ordered by name.
func (r *SubsystemRepository) ListSubscribed(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name FROM subsystems WHERE subscribed = 1 ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subsystems: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan subsystem: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subsystems: %w", err)
	}
	return names, nil
}

// Find retrieves a subsystem by name.
func (r *SubsystemRepository) Find(ctx context.Context, name string) (*models.Subsystem, error) {
	var sub models.Subsystem
	var subscribed int
	var createdAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT name, subscribed, created_at FROM subsystems WHERE name = ?
	`, name).Scan(&sub.Name, &subscribed, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubsystemNotFound
		}
		return nil, fmt.Errorf("failed to scan subsystem: %w", err)
	}

	sub.Subscribed = subscribed != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		sub.CreatedAt = t
	}
	return &sub, nil
}
