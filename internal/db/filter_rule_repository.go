package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patchlore/patchlore/internal/models"
)

// Filter rule repository errors.
var (
	ErrFilterRuleNotFound      = errors.New("filter rule not found")
	ErrFilterRuleAlreadyExists = errors.New("filter rule with this name already exists")
)

const autoWatchSettingKey = "auto_watch_enabled"

// FilterRuleRepository handles filter rule persistence and the auto-watch
// setting.
type FilterRuleRepository struct {
	db *DB
}

// NewFilterRuleRepository creates a new FilterRuleRepository.
func NewFilterRuleRepository(db *DB) *FilterRuleRepository {
	return &FilterRuleRepository{db: db}
}

const filterRuleColumns = `
	id, name, enabled, exclusive, conditions_json, description, created_by,
	created_at, updated_at`

// Create inserts a new filter rule.
func (r *FilterRuleRepository) Create(ctx context.Context, rule *models.FilterRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid filter rule: %w", err)
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal filter conditions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO filter_rules (`+filterRuleColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.ID,
		rule.Name,
		boolToInt(rule.Enabled),
		boolToInt(rule.Exclusive),
		string(conditionsJSON),
		nullIfEmpty(rule.Description),
		nullIfEmpty(rule.CreatedBy),
		rule.CreatedAt.Format(time.RFC3339),
		rule.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrFilterRuleAlreadyExists
		}
		return fmt.Errorf("failed to insert filter rule: %w", err)
	}

	return nil
}

// Update rewrites an existing rule.
func (r *FilterRuleRepository) Update(ctx context.Context, rule *models.FilterRule) error {
	rule.UpdatedAt = time.Now().UTC()

	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal filter conditions: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE filter_rules SET
			enabled = ?, exclusive = ?, conditions_json = ?,
			description = ?, created_by = ?, updated_at = ?
		WHERE name = ?
	`,
		boolToInt(rule.Enabled),
		boolToInt(rule.Exclusive),
		string(conditionsJSON),
		nullIfEmpty(rule.Description),
		nullIfEmpty(rule.CreatedBy),
		rule.UpdatedAt.Format(time.RFC3339),
		rule.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to update filter rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFilterRuleNotFound
	}
	return nil
}

// Upsert creates a rule or replaces the rule with the same name.
func (r *FilterRuleRepository) Upsert(ctx context.Context, rule *models.FilterRule) error {
	existing, err := r.FindByName(ctx, rule.Name)
	if err != nil && !errors.Is(err, ErrFilterRuleNotFound) {
		return err
	}
	if existing != nil {
		rule.ID = existing.ID
		if rule.Description == "" {
			rule.Description = existing.Description
		}
		if rule.CreatedBy == "" {
			rule.CreatedBy = existing.CreatedBy
		}
		return r.Update(ctx, rule)
	}

	err = r.Create(ctx, rule)
	if errors.Is(err, ErrFilterRuleAlreadyExists) {
		// Concurrent create with the same name; replace it instead.
		return r.Update(ctx, rule)
	}
	return err
}

// FindByName retrieves a rule by name.
func (r *FilterRuleRepository) FindByName(ctx context.Context, name string) (*models.FilterRule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+filterRuleColumns+`
		FROM filter_rules WHERE name = ?
	`, name)

	return r.scanRule(row.Scan)
}

// List retrieves rules, optionally only the enabled ones, ordered by name.
func (r *FilterRuleRepository) List(ctx context.Context, enabledOnly bool) ([]*models.FilterRule, error) {
	query := `SELECT ` + filterRuleColumns + ` FROM filter_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query filter rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.FilterRule
	for rows.Next() {
		rule, err := r.scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating filter rules: %w", err)
	}
	return rules, nil
}

// SetEnabled toggles a rule by name.
func (r *FilterRuleRepository) SetEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE filter_rules SET enabled = ?, updated_at = ? WHERE name = ?
	`, boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("failed to toggle filter rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFilterRuleNotFound
	}
	return nil
}

// Delete removes a rule by name.
func (r *FilterRuleRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM filter_rules WHERE name = ?
	`, name)
	if err != nil {
		return fmt.Errorf("failed to delete filter rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFilterRuleNotFound
	}
	return nil
}

// AutoWatchEnabled reports whether the global auto-watch flag is set.
// Missing setting means disabled.
func (r *FilterRuleRepository) AutoWatchEnabled(ctx context.Context) (bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `
		SELECT value FROM settings WHERE key = ?
	`, autoWatchSettingKey).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read auto-watch setting: %w", err)
	}
	return value == "true", nil
}

// SetAutoWatchEnabled sets the global auto-watch flag.
func (r *FilterRuleRepository) SetAutoWatchEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, autoWatchSettingKey, value)
	if err != nil {
		return fmt.Errorf("failed to set auto-watch setting: %w", err)
	}
	return nil
}

func (r *FilterRuleRepository) scanRule(scan func(...any) error) (*models.FilterRule, error) {
	var rule models.FilterRule
	var enabled, exclusive int
	var conditionsJSON string
	var description, createdBy sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&rule.ID,
		&rule.Name,
		&enabled,
		&exclusive,
		&conditionsJSON,
		&description,
		&createdBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFilterRuleNotFound
		}
		return nil, fmt.Errorf("failed to scan filter rule: %w", err)
	}

	rule.Enabled = enabled != 0
	rule.Exclusive = exclusive != 0
	rule.Description = description.String
	rule.CreatedBy = createdBy.String

	if err := json.Unmarshal([]byte(conditionsJSON), &rule.Conditions); err != nil {
		r.db.logger.Warn().Err(err).Str("rule", rule.Name).Msg("failed to parse filter conditions")
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rule.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rule.UpdatedAt = t
	}

	return &rule, nil
}
