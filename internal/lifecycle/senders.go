package lifecycle

import (
	"context"

	"github.com/patchlore/patchlore/internal/models"
	"github.com/patchlore/patchlore/internal/threading"
)

// Overview is the render payload for a thread overview message: the card
// plus the full conversation tree rooted at its patch or cover letter.
type Overview struct {
	Card *models.PatchCard
	Root *threading.Node

	// Hierarchy is the flat reply structure for the card's own message,
	// used by senders that render discussion stats alongside the tree.
	Hierarchy *threading.Hierarchy
}

// ReplyNotification is the render payload for a standalone reply notice.
type ReplyNotification struct {
	ReplyAuthor    string
	ReplySubject   string
	ReplyURL       string
	ReplySubsystem string
	ReplyTime      string
	RootSubject    string
	RootURL        string
}

// CardSender renders and delivers a patch card to the chat platform. The
// returned platform message id is the card's identity; an empty id means
// the send failed and nothing may be persisted.
type CardSender interface {
	SendPatchCard(ctx context.Context, card *models.PatchCard) (platformMessageID, platformChannelID string, err error)
}

// ReplyNotifier is an optional CardSender capability for standalone reply
// notices on the reply-perspective path.
type ReplyNotifier interface {
	SendReplyNotification(ctx context.Context, notification ReplyNotification) error
}

// ThreadSender manages platform-side discussion threads bound to cards.
type ThreadSender interface {
	// CreateThreadAndSendOverview opens a thread anchored at a card's
	// platform message and posts the overview. It returns the new thread id,
	// the rendered overview message id, and the map of sub-patch index to
	// rendered message id for series threads.
	CreateThreadAndSendOverview(ctx context.Context, name, anchorMessageID string, overview *Overview) (threadID, overviewMessageID string, subPatchMessages map[int]string, err error)

	// UpdateThreadOverview rewrites one rendered overview message in place.
	UpdateThreadOverview(ctx context.Context, threadID, messageID string, overview *Overview) error

	// SendThreadUpdateNotification announces a thread update on the card's
	// channel.
	SendThreadUpdateNotification(ctx context.Context, channelID, threadID, platformMessageID string) error
}
