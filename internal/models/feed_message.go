// Package models defines the persistent and derived entities of patchlore.
package models

import (
	"fmt"
	"strings"
	"time"
)

// FeedMessage is one ingested mailing-list entry. The Message-ID header is the
// stable dedup key: a message is created once and only its classification
// fields may be backfilled on a concurrent re-insert.
type FeedMessage struct {
	// ID is the unique row identifier.
	ID string `json:"id"`

	// SubsystemName identifies the mailing list this message arrived on.
	SubsystemName string `json:"subsystem_name"`

	// MessageIDHeader is the raw Message-ID header value, globally unique.
	MessageIDHeader string `json:"message_id_header"`

	// MessageID is an optional secondary identifier from the feed.
	MessageID string `json:"message_id,omitempty"`

	// InReplyToHeader is the raw In-Reply-To header. It may contain angle
	// brackets and multiple space-separated references.
	InReplyToHeader string `json:"in_reply_to_header,omitempty"`

	// Subject is the message subject line.
	Subject string `json:"subject"`

	// Author is the display name of the sender.
	Author string `json:"author"`

	// AuthorEmail is the sender's email address.
	AuthorEmail string `json:"author_email"`

	// Content is the message body, if available.
	Content string `json:"content,omitempty"`

	// URL points at the archived message.
	URL string `json:"url,omitempty"`

	// ReceivedAt is when the message was received by the list.
	ReceivedAt time.Time `json:"received_at"`

	// Classification flags, derived from the subject and headers.
	IsPatch       bool `json:"is_patch"`
	IsReply       bool `json:"is_reply"`
	IsSeriesPatch bool `json:"is_series_patch"`
	IsCoverLetter bool `json:"is_cover_letter"`

	// PatchVersion is the series version (v2 -> 2); zero when not a patch.
	PatchVersion int `json:"patch_version,omitempty"`

	// PatchIndex and PatchTotal are the i/n position within a series; nil for
	// a single, non-series patch.
	PatchIndex *int `json:"patch_index,omitempty"`
	PatchTotal *int `json:"patch_total,omitempty"`

	// SeriesMessageID is the Message-ID of the series root (cover letter).
	SeriesMessageID string `json:"series_message_id,omitempty"`

	// CreatedAt is when the row was first persisted.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields required to persist a feed message.
func (m *FeedMessage) Validate() error {
	if strings.TrimSpace(m.MessageIDHeader) == "" {
		return fmt.Errorf("message_id_header is required")
	}
	if strings.TrimSpace(m.SubsystemName) == "" {
		return fmt.Errorf("subsystem_name is required")
	}
	return nil
}

// SeriesPatchInfo describes one sub-patch of a series for rendering.
type SeriesPatchInfo struct {
	Subject    string `json:"subject"`
	PatchIndex int    `json:"patch_index"`
	PatchTotal int    `json:"patch_total"`
	MessageID  string `json:"message_id"`
	URL        string `json:"url"`
}
