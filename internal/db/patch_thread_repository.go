package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patchlore/patchlore/internal/models"
)

// Patch thread repository errors.
var (
	ErrThreadNotFound      = errors.New("patch thread not found")
	ErrThreadAlreadyExists = errors.New("patch thread for this card already exists")
)

// PatchThreadRepository handles thread binding persistence.
type PatchThreadRepository struct {
	db *DB
}

// NewPatchThreadRepository creates a new PatchThreadRepository.
func NewPatchThreadRepository(db *DB) *PatchThreadRepository {
	return &PatchThreadRepository{db: db}
}

const patchThreadColumns = `
	card_message_id_header, thread_id, thread_name, is_active,
	overview_message_id, sub_patch_messages_json, created_at, archived_at`

// Create inserts a new thread binding. Returns ErrThreadAlreadyExists when
// the card already has a thread.
func (r *PatchThreadRepository) Create(ctx context.Context, thread *models.PatchThread) error {
	if err := thread.Validate(); err != nil {
		return fmt.Errorf("invalid patch thread: %w", err)
	}

	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	thread.ThreadName = models.TruncateThreadName(thread.ThreadName)
	thread.IsActive = true

	subPatchJSON, err := marshalSubPatchMessages(thread.SubPatchMessages)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO patch_threads (`+patchThreadColumns+`
		) VALUES (?, ?, ?, 1, ?, ?, ?, NULL)
	`,
		thread.CardMessageIDHeader,
		thread.ThreadID,
		thread.ThreadName,
		nullIfEmpty(thread.OverviewMessageID),
		subPatchJSON,
		thread.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrThreadAlreadyExists
		}
		return fmt.Errorf("failed to insert patch thread: %w", err)
	}

	r.db.logger.Debug().Str("thread_id", thread.ThreadID).Msg("created patch thread")
	return nil
}

// FindByHeader retrieves the thread bound to a card.
func (r *PatchThreadRepository) FindByHeader(ctx context.Context, cardMessageIDHeader string) (*models.PatchThread, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+patchThreadColumns+`
		FROM patch_threads WHERE card_message_id_header = ?
	`, cardMessageIDHeader)

	return r.scanThread(row.Scan)
}

// FindByThreadID retrieves a thread by its platform thread id.
func (r *PatchThreadRepository) FindByThreadID(ctx context.Context, threadID string) (*models.PatchThread, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+patchThreadColumns+`
		FROM patch_threads WHERE thread_id = ?
	`, threadID)

	return r.scanThread(row.Scan)
}

// Archive marks a thread inactive and stamps the archival time. One-way.
func (r *PatchThreadRepository) Archive(ctx context.Context, threadID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE patch_threads
		SET is_active = 0, archived_at = ?
		WHERE thread_id = ? AND is_active = 1
	`, time.Now().UTC().Format(time.RFC3339), threadID)
	if err != nil {
		return fmt.Errorf("failed to archive thread: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// UpdateSubPatchMessages replaces the sub-patch index -> message id map.
func (r *PatchThreadRepository) UpdateSubPatchMessages(ctx context.Context, threadID string, subPatchMessages map[int]string) error {
	subPatchJSON, err := marshalSubPatchMessages(subPatchMessages)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE patch_threads SET sub_patch_messages_json = ? WHERE thread_id = ?
	`, subPatchJSON, threadID)
	if err != nil {
		return fmt.Errorf("failed to update sub-patch messages: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// UpdateOverviewMessageID sets the rendered overview message id.
func (r *PatchThreadRepository) UpdateOverviewMessageID(ctx context.Context, threadID, overviewMessageID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE patch_threads SET overview_message_id = ? WHERE thread_id = ?
	`, overviewMessageID, threadID)
	if err != nil {
		return fmt.Errorf("failed to update overview message id: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// CountActive returns the number of active threads.
func (r *PatchThreadRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM patch_threads WHERE is_active = 1
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active threads: %w", err)
	}
	return count, nil
}

func (r *PatchThreadRepository) scanThread(scan func(...any) error) (*models.PatchThread, error) {
	var thread models.PatchThread
	var isActive int
	var overviewID, subPatchJSON, archivedAt sql.NullString
	var createdAt string

	err := scan(
		&thread.CardMessageIDHeader,
		&thread.ThreadID,
		&thread.ThreadName,
		&isActive,
		&overviewID,
		&subPatchJSON,
		&createdAt,
		&archivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to scan patch thread: %w", err)
	}

	thread.IsActive = isActive != 0
	thread.OverviewMessageID = overviewID.String

	if subPatchJSON.Valid && subPatchJSON.String != "" {
		messages, err := unmarshalSubPatchMessages(subPatchJSON.String)
		if err != nil {
			r.db.logger.Warn().Err(err).Str("thread_id", thread.ThreadID).Msg("failed to parse sub-patch messages")
		} else {
			thread.SubPatchMessages = messages
		}
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		thread.CreatedAt = t
	}
	if archivedAt.Valid && archivedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, archivedAt.String); err == nil {
			thread.ArchivedAt = &t
		}
	}

	return &thread, nil
}

// JSON object keys are strings; the map is keyed by sub-patch index.
func marshalSubPatchMessages(messages map[int]string) (*string, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	keyed := make(map[string]string, len(messages))
	for index, messageID := range messages {
		keyed[strconv.Itoa(index)] = messageID
	}
	data, err := json.Marshal(keyed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sub-patch messages: %w", err)
	}
	s := string(data)
	return &s, nil
}

func unmarshalSubPatchMessages(raw string) (map[int]string, error) {
	var keyed map[string]string
	if err := json.Unmarshal([]byte(raw), &keyed); err != nil {
		return nil, err
	}
	messages := make(map[int]string, len(keyed))
	for key, messageID := range keyed {
		index, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid sub-patch index %q: %w", key, err)
		}
		messages[index] = messageID
	}
	return messages, nil
}
