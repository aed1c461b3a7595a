// Package senders provides local sender implementations so the daemon can
// run end to end without a chat platform. Cards, notifications, and thread
// overviews are rendered to the log; platform identifiers are generated
// locally.
package senders

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patchlore/patchlore/internal/lifecycle"
	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/models"
	"github.com/patchlore/patchlore/internal/threading"
)

// ConsoleChannelID is the pseudo channel all console cards land on.
const ConsoleChannelID = "console"

// ConsoleCardSender logs patch cards and reply notifications.
type ConsoleCardSender struct {
	logger zerolog.Logger
}

// NewConsoleCardSender returns a card sender that renders to the log.
func NewConsoleCardSender() *ConsoleCardSender {
	return &ConsoleCardSender{logger: logging.Component("console-sender")}
}

// SendPatchCard renders a card and returns a generated platform identity.
func (s *ConsoleCardSender) SendPatchCard(ctx context.Context, card *models.PatchCard) (string, string, error) {
	event := s.logger.Info().
		Str("subsystem", card.SubsystemName).
		Str("author", card.Author).
		Str("subject", card.Subject)
	if card.URL != "" {
		event = event.Str("url", card.URL)
	}
	if card.IsSeriesPatch {
		event = event.Int("series_size", len(card.SeriesPatches))
	}
	if len(card.MatchedFilters) > 0 {
		event = event.Strs("matched_filters", card.MatchedFilters)
	}
	event.Msg("patch card")
	return uuid.New().String(), ConsoleChannelID, nil
}

// SendReplyNotification logs a standalone reply notice.
func (s *ConsoleCardSender) SendReplyNotification(ctx context.Context, n lifecycle.ReplyNotification) error {
	s.logger.Info().
		Str("reply_author", n.ReplyAuthor).
		Str("reply_subject", n.ReplySubject).
		Str("root_subject", n.RootSubject).
		Str("root_url", n.RootURL).
		Msg("reply to tracked patch")
	return nil
}

// ConsoleThreadSender logs thread overviews.
type ConsoleThreadSender struct {
	logger zerolog.Logger
}

// NewConsoleThreadSender returns a thread sender that renders to the log.
func NewConsoleThreadSender() *ConsoleThreadSender {
	return &ConsoleThreadSender{logger: logging.Component("console-sender")}
}

// CreateThreadAndSendOverview logs the overview and generates local ids.
// Each sub-patch of a series gets its own rendered message id so replies
// can target it later.
func (s *ConsoleThreadSender) CreateThreadAndSendOverview(ctx context.Context, name, anchorMessageID string, overview *lifecycle.Overview) (string, string, map[int]string, error) {
	threadID := uuid.New().String()
	overviewMessageID := uuid.New().String()

	var subPatchMessages map[int]string
	if overview.Card != nil && overview.Card.IsSeriesPatch {
		subPatchMessages = make(map[int]string, len(overview.Card.SeriesPatches))
		for _, sub := range overview.Card.SeriesPatches {
			subPatchMessages[sub.PatchIndex] = uuid.New().String()
		}
	}

	s.logger.Info().
		Str("thread_id", threadID).
		Str("thread_name", name).
		Str("anchor", anchorMessageID).
		Msg("opened thread")
	s.logOverview(threadID, overview)
	return threadID, overviewMessageID, subPatchMessages, nil
}

// UpdateThreadOverview logs the refreshed overview.
func (s *ConsoleThreadSender) UpdateThreadOverview(ctx context.Context, threadID, messageID string, overview *lifecycle.Overview) error {
	s.logger.Info().
		Str("thread_id", threadID).
		Str("message_id", messageID).
		Msg("updated thread overview")
	s.logOverview(threadID, overview)
	return nil
}

// SendThreadUpdateNotification logs the channel-level update notice.
func (s *ConsoleThreadSender) SendThreadUpdateNotification(ctx context.Context, channelID, threadID, platformMessageID string) error {
	s.logger.Info().
		Str("channel_id", channelID).
		Str("thread_id", threadID).
		Str("platform_message_id", platformMessageID).
		Msg("thread update notification")
	return nil
}

func (s *ConsoleThreadSender) logOverview(threadID string, overview *lifecycle.Overview) {
	if overview == nil || overview.Root == nil {
		return
	}
	event := s.logger.Debug().
		Str("thread_id", threadID).
		Str("tree", RenderTree(overview.Root))
	if h := overview.Hierarchy; h != nil {
		event = event.Int("reply_count", len(h.Entries)).
			Int("top_level_replies", len(h.Roots))
	}
	event.Msg("conversation tree")
}

// RenderTree formats a conversation tree as an indented text block.
func RenderTree(root *threading.Node) string {
	var b strings.Builder
	for _, node := range threading.Flatten(root) {
		indent := strings.Repeat("  ", node.Depth)
		fmt.Fprintf(&b, "%s[%s] %s (%s)\n", indent, node.Type, node.Message.Subject, node.Message.Author)
	}
	return b.String()
}
