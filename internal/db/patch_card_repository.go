package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patchlore/patchlore/internal/models"
)

// Patch card repository errors.
var (
	ErrCardNotFound      = errors.New("patch card not found")
	ErrCardAlreadyExists = errors.New("patch card with this message_id_header already exists")
)

// PatchCardRepository handles patch card persistence.
type PatchCardRepository struct {
	db *DB
}

// NewPatchCardRepository creates a new PatchCardRepository.
func NewPatchCardRepository(db *DB) *PatchCardRepository {
	return &PatchCardRepository{db: db}
}

const patchCardColumns = `
	message_id_header, subsystem_name, platform_message_id, platform_channel_id,
	subject, author, url, expires_at, is_series_patch, series_message_id,
	patch_version, patch_index, patch_total, has_thread, created_at`

// Create inserts a new patch card. Returns ErrCardAlreadyExists when a card
// for the same message_id_header was created concurrently; callers recover
// by re-reading the existing row instead of failing.
func (r *PatchCardRepository) Create(ctx context.Context, card *models.PatchCard) error {
	if err := card.Validate(); err != nil {
		return fmt.Errorf("invalid patch card: %w", err)
	}

	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	if card.ExpiresAt.IsZero() {
		card.ExpiresAt = card.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patch_cards (`+patchCardColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		card.MessageIDHeader,
		card.SubsystemName,
		card.PlatformMessageID,
		card.PlatformChannelID,
		card.Subject,
		card.Author,
		nullIfEmpty(card.URL),
		card.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(card.IsSeriesPatch),
		nullIfEmpty(card.SeriesMessageID),
		card.PatchVersion,
		card.PatchIndex,
		card.PatchTotal,
		boolToInt(card.HasThread),
		card.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrCardAlreadyExists
		}
		return fmt.Errorf("failed to insert patch card: %w", err)
	}

	r.db.logger.Debug().Str("message_id_header", card.MessageIDHeader).Msg("created patch card")
	return nil
}

// FindByHeader retrieves a card by the root message's Message-ID header.
func (r *PatchCardRepository) FindByHeader(ctx context.Context, messageIDHeader string) (*models.PatchCard, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+patchCardColumns+`
		FROM patch_cards WHERE message_id_header = ?
	`, messageIDHeader)

	card, err := scanPatchCard(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return card, nil
}

// MarkHasThread flips has_thread to true. Idempotent.
func (r *PatchCardRepository) MarkHasThread(ctx context.Context, messageIDHeader string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE patch_cards SET has_thread = 1 WHERE message_id_header = ?
	`, messageIDHeader)
	if err != nil {
		return fmt.Errorf("failed to mark card as threaded: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrCardNotFound
	}
	return nil
}

// FindSeriesCard retrieves the card that represents a whole series: the
// earliest-created card for the series that carries a platform message id,
// so updates always target the same rendered card.
func (r *PatchCardRepository) FindSeriesCard(ctx context.Context, seriesMessageID string) (*models.PatchCard, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+patchCardColumns+`
		FROM patch_cards
		WHERE series_message_id = ? AND platform_message_id != ''
		ORDER BY created_at
		LIMIT 1
	`, seriesMessageID)

	card, err := scanPatchCard(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return card, nil
}

// FindExpiredWithoutThread retrieves cards past their expiry that never
// gained a thread. These are the only cards the sweep may delete.
func (r *PatchCardRepository) FindExpiredWithoutThread(ctx context.Context, now time.Time) ([]*models.PatchCard, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+patchCardColumns+`
		FROM patch_cards
		WHERE has_thread = 0 AND expires_at <= ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired cards: %w", err)
	}
	defer rows.Close()

	var cards []*models.PatchCard
	for rows.Next() {
		card, err := scanPatchCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired cards: %w", err)
	}
	return cards, nil
}

// Delete removes a card by header.
func (r *PatchCardRepository) Delete(ctx context.Context, messageIDHeader string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM patch_cards WHERE message_id_header = ?
	`, messageIDHeader)
	if err != nil {
		return fmt.Errorf("failed to delete patch card: %w", err)
	}
	return nil
}

func scanPatchCard(scan func(...any) error) (*models.PatchCard, error) {
	var card models.PatchCard
	var url, seriesID sql.NullString
	var isSeriesPatch, hasThread int
	var patchIndex, patchTotal sql.NullInt64
	var expiresAt, createdAt string

	err := scan(
		&card.MessageIDHeader,
		&card.SubsystemName,
		&card.PlatformMessageID,
		&card.PlatformChannelID,
		&card.Subject,
		&card.Author,
		&url,
		&expiresAt,
		&isSeriesPatch,
		&seriesID,
		&card.PatchVersion,
		&patchIndex,
		&patchTotal,
		&hasThread,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan patch card: %w", err)
	}

	card.URL = url.String
	card.SeriesMessageID = seriesID.String
	card.IsSeriesPatch = isSeriesPatch != 0
	card.HasThread = hasThread != 0

	if patchIndex.Valid {
		idx := int(patchIndex.Int64)
		card.PatchIndex = &idx
	}
	if patchTotal.Valid {
		total := int(patchTotal.Int64)
		card.PatchTotal = &total
	}

	if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
		card.ExpiresAt = t
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		card.CreatedAt = t
	}

	return &card, nil
}
