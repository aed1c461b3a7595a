package models

import (
	"fmt"
	"strings"
	"time"
)

// MaxThreadNameLen caps platform thread names.
const MaxThreadNameLen = 100

// PatchThread binds a discussion thread to a PatchCard. Created exactly once
// per card; archival is one-way.
type PatchThread struct {
	// CardMessageIDHeader references the owning PatchCard.
	CardMessageIDHeader string `json:"card_message_id_header"`

	// ThreadID is the platform-side thread identifier.
	ThreadID string `json:"thread_id"`

	// ThreadName is the display name, truncated to MaxThreadNameLen.
	ThreadName string `json:"thread_name"`

	// IsActive flips to false on archival and never back.
	IsActive bool `json:"is_active"`

	// OverviewMessageID is the rendered overview message in the thread.
	OverviewMessageID string `json:"overview_message_id,omitempty"`

	// SubPatchMessages maps a sub-patch index to its rendered message id.
	SubPatchMessages map[int]string `json:"sub_patch_messages,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Validate checks the fields required to persist a thread binding.
func (t *PatchThread) Validate() error {
	if strings.TrimSpace(t.CardMessageIDHeader) == "" {
		return fmt.Errorf("card_message_id_header is required")
	}
	if strings.TrimSpace(t.ThreadID) == "" {
		return fmt.Errorf("thread_id is required")
	}
	return nil
}

// TruncateThreadName clips a subject to the platform thread-name limit. The
// limit counts runes so a multibyte subject is never cut mid-character.
func TruncateThreadName(name string) string {
	if len(name) <= MaxThreadNameLen {
		return name
	}
	runes := []rune(name)
	if len(runes) <= MaxThreadNameLen {
		return name
	}
	return string(runes[:MaxThreadNameLen])
}
