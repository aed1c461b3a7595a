package models

import (
	"fmt"
	"strings"
	"time"
)

// PatchCard is the visible unit representing one patch or one whole series,
// keyed by the root message's Message-ID header. At most one card exists per
// header; for a series, the card bearing a platform identity represents the
// whole series.
type PatchCard struct {
	// MessageIDHeader is the root message's Message-ID header (dedup key).
	MessageIDHeader string `json:"message_id_header"`

	// SubsystemName identifies the mailing list.
	SubsystemName string `json:"subsystem_name"`

	// PlatformMessageID and PlatformChannelID locate the rendered card on the
	// chat platform. A card is never persisted without a platform message id.
	PlatformMessageID string `json:"platform_message_id"`
	PlatformChannelID string `json:"platform_channel_id"`

	Subject string `json:"subject"`
	Author  string `json:"author"`
	URL     string `json:"url,omitempty"`

	// ExpiresAt is when a thread-less card becomes eligible for the sweep.
	ExpiresAt time.Time `json:"expires_at"`

	IsSeriesPatch   bool   `json:"is_series_patch"`
	SeriesMessageID string `json:"series_message_id,omitempty"`

	PatchVersion int  `json:"patch_version,omitempty"`
	PatchIndex   *int `json:"patch_index,omitempty"`
	PatchTotal   *int `json:"patch_total,omitempty"`

	// HasThread flips false -> true exactly once when a discussion thread is
	// opened for this card.
	HasThread bool `json:"has_thread"`

	CreatedAt time.Time `json:"created_at"`

	// Render-only fields, never persisted.
	IsCoverLetter  bool              `json:"is_cover_letter,omitempty"`
	SeriesPatches  []SeriesPatchInfo `json:"series_patches,omitempty"`
	MatchedFilters []string          `json:"matched_filters,omitempty"`
}

// Validate checks the fields required to persist a patch card.
func (c *PatchCard) Validate() error {
	if strings.TrimSpace(c.MessageIDHeader) == "" {
		return fmt.Errorf("message_id_header is required")
	}
	if strings.TrimSpace(c.PlatformMessageID) == "" {
		return fmt.Errorf("platform_message_id is required")
	}
	return nil
}
