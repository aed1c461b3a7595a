package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patchlore/patchlore/internal/models"
)

// Feed message repository errors.
var (
	ErrFeedMessageNotFound      = errors.New("feed message not found")
	ErrFeedMessageAlreadyExists = errors.New("feed message with this message_id_header already exists")
)

// FeedMessageRepository handles feed message persistence.
type FeedMessageRepository struct {
	db *DB
}

// NewFeedMessageRepository creates a new FeedMessageRepository.
func NewFeedMessageRepository(db *DB) *FeedMessageRepository {
	return &FeedMessageRepository{db: db}
}

const feedMessageColumns = `
	id, subsystem_name, message_id_header, message_id, in_reply_to_header,
	subject, author, author_email, content, url, received_at,
	is_patch, is_reply, is_series_patch, is_cover_letter,
	patch_version, patch_index, patch_total, series_message_id, created_at`

// Create inserts a new feed message. Returns ErrFeedMessageAlreadyExists when
// a row with the same message_id_header was inserted concurrently.
func (r *FeedMessageRepository) Create(ctx context.Context, msg *models.FeedMessage) error {
	return r.create(ctx, r.db, msg)
}

func (r *FeedMessageRepository) create(ctx context.Context, q querier, msg *models.FeedMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid feed message: %w", err)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var receivedAt *string
	if !msg.ReceivedAt.IsZero() {
		s := msg.ReceivedAt.UTC().Format(time.RFC3339)
		receivedAt = &s
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO feed_messages (`+feedMessageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.SubsystemName,
		msg.MessageIDHeader,
		nullIfEmpty(msg.MessageID),
		nullIfEmpty(msg.InReplyToHeader),
		msg.Subject,
		msg.Author,
		msg.AuthorEmail,
		nullIfEmpty(msg.Content),
		nullIfEmpty(msg.URL),
		receivedAt,
		boolToInt(msg.IsPatch),
		boolToInt(msg.IsReply),
		boolToInt(msg.IsSeriesPatch),
		boolToInt(msg.IsCoverLetter),
		msg.PatchVersion,
		msg.PatchIndex,
		msg.PatchTotal,
		nullIfEmpty(msg.SeriesMessageID),
		msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrFeedMessageAlreadyExists
		}
		return fmt.Errorf("failed to insert feed message: %w", err)
	}

	return nil
}

// Update rewrites the mutable fields of an existing feed message.
func (r *FeedMessageRepository) Update(ctx context.Context, msg *models.FeedMessage) error {
	return r.update(ctx, r.db, msg)
}

func (r *FeedMessageRepository) update(ctx context.Context, q querier, msg *models.FeedMessage) error {
	var receivedAt *string
	if !msg.ReceivedAt.IsZero() {
		s := msg.ReceivedAt.UTC().Format(time.RFC3339)
		receivedAt = &s
	}

	result, err := q.ExecContext(ctx, `
		UPDATE feed_messages SET
			subsystem_name = ?,
			message_id = ?,
			in_reply_to_header = ?,
			subject = ?,
			author = ?,
			author_email = ?,
			content = ?,
			url = ?,
			received_at = COALESCE(?, received_at),
			is_patch = ?,
			is_reply = ?,
			is_series_patch = ?,
			is_cover_letter = ?,
			patch_version = ?,
			patch_index = ?,
			patch_total = ?,
			series_message_id = ?
		WHERE message_id_header = ?
	`,
		msg.SubsystemName,
		nullIfEmpty(msg.MessageID),
		nullIfEmpty(msg.InReplyToHeader),
		msg.Subject,
		msg.Author,
		msg.AuthorEmail,
		nullIfEmpty(msg.Content),
		nullIfEmpty(msg.URL),
		receivedAt,
		boolToInt(msg.IsPatch),
		boolToInt(msg.IsReply),
		boolToInt(msg.IsSeriesPatch),
		boolToInt(msg.IsCoverLetter),
		msg.PatchVersion,
		msg.PatchIndex,
		msg.PatchTotal,
		nullIfEmpty(msg.SeriesMessageID),
		msg.MessageIDHeader,
	)
	if err != nil {
		return fmt.Errorf("failed to update feed message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFeedMessageNotFound
	}
	return nil
}

// CreateOrUpdate inserts the message, or backfills the existing row when one
// with the same message_id_header is already stored. The read-modify-write
// runs inside a retried transaction so concurrent writers serialize on the
// row instead of racing, and busy errors from a contended database are
// retried with backoff. Processing the same payload twice is therefore a
// no-op or an update, never a duplicate row.
func (r *FeedMessageRepository) CreateOrUpdate(ctx context.Context, msg *models.FeedMessage) (*models.FeedMessage, error) {
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		existing, err := r.findByHeader(ctx, tx, msg.MessageIDHeader)
		if err != nil && !errors.Is(err, ErrFeedMessageNotFound) {
			return err
		}
		if existing != nil {
			msg.ID = existing.ID
			msg.CreatedAt = existing.CreatedAt
			return r.update(ctx, tx, msg)
		}

		err = r.create(ctx, tx, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrFeedMessageAlreadyExists) {
			return err
		}

		// Lost the insert race to a writer that committed between our read
		// and insert. Re-read the winner's row and backfill it, since the
		// concurrent writer may have stored fewer classification fields.
		r.db.logger.Debug().
			Str("message_id_header", msg.MessageIDHeader).
			Msg("concurrent feed message insert detected, updating existing row")

		existing, err = r.findByHeader(ctx, tx, msg.MessageIDHeader)
		if err != nil {
			return err
		}
		msg.ID = existing.ID
		msg.CreatedAt = existing.CreatedAt
		return r.update(ctx, tx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// FindByHeader retrieves a feed message by its Message-ID header.
func (r *FeedMessageRepository) FindByHeader(ctx context.Context, messageIDHeader string) (*models.FeedMessage, error) {
	return r.findByHeader(ctx, r.db, messageIDHeader)
}

func (r *FeedMessageRepository) findByHeader(ctx context.Context, q querier, messageIDHeader string) (*models.FeedMessage, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+feedMessageColumns+`
		FROM feed_messages WHERE message_id_header = ?
	`, messageIDHeader)

	msg, err := scanFeedMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFeedMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

// FindRepliesTo retrieves messages whose In-Reply-To header references the
// given Message-ID, exactly or as a substring (the header may carry angle
// brackets or multiple references). Ordered by receipt time ascending.
func (r *FeedMessageRepository) FindRepliesTo(ctx context.Context, messageIDHeader string, limit int) ([]*models.FeedMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+feedMessageColumns+`
		FROM feed_messages
		WHERE in_reply_to_header = ? OR in_reply_to_header LIKE ?
		ORDER BY received_at, created_at
		LIMIT ?
	`, messageIDHeader, "%"+messageIDHeader+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query replies: %w", err)
	}
	defer rows.Close()

	return collectFeedMessages(rows)
}

// FindBySeriesID retrieves every stored message of a series, ordered by
// patch index ascending.
func (r *FeedMessageRepository) FindBySeriesID(ctx context.Context, seriesMessageID string) ([]*models.FeedMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+feedMessageColumns+`
		FROM feed_messages
		WHERE series_message_id = ?
		ORDER BY patch_index
	`, seriesMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query series messages: %w", err)
	}
	defer rows.Close()

	return collectFeedMessages(rows)
}

func collectFeedMessages(rows *sql.Rows) ([]*models.FeedMessage, error) {
	var messages []*models.FeedMessage
	for rows.Next() {
		msg, err := scanFeedMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed messages: %w", err)
	}
	return messages, nil
}

func scanFeedMessage(scan func(...any) error) (*models.FeedMessage, error) {
	var msg models.FeedMessage
	var messageID, inReplyTo, content, url, receivedAt, seriesID sql.NullString
	var isPatch, isReply, isSeriesPatch, isCoverLetter int
	var patchIndex, patchTotal sql.NullInt64
	var createdAt string

	err := scan(
		&msg.ID,
		&msg.SubsystemName,
		&msg.MessageIDHeader,
		&messageID,
		&inReplyTo,
		&msg.Subject,
		&msg.Author,
		&msg.AuthorEmail,
		&content,
		&url,
		&receivedAt,
		&isPatch,
		&isReply,
		&isSeriesPatch,
		&isCoverLetter,
		&msg.PatchVersion,
		&patchIndex,
		&patchTotal,
		&seriesID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan feed message: %w", err)
	}

	msg.MessageID = messageID.String
	msg.InReplyToHeader = inReplyTo.String
	msg.Content = content.String
	msg.URL = url.String
	msg.SeriesMessageID = seriesID.String
	msg.IsPatch = isPatch != 0
	msg.IsReply = isReply != 0
	msg.IsSeriesPatch = isSeriesPatch != 0
	msg.IsCoverLetter = isCoverLetter != 0

	if patchIndex.Valid {
		idx := int(patchIndex.Int64)
		msg.PatchIndex = &idx
	}
	if patchTotal.Valid {
		total := int(patchTotal.Int64)
		msg.PatchTotal = &total
	}

	if receivedAt.Valid && receivedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, receivedAt.String); err == nil {
			msg.ReceivedAt = t
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		msg.CreatedAt = t
	}

	return &msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
