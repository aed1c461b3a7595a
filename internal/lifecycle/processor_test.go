package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patchlore/patchlore/internal/classify"
	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/models"
)

type fakeCardSender struct {
	sent          []*models.PatchCard
	notifications []ReplyNotification
	failSend      bool
	nextID        int
}

func (f *fakeCardSender) SendPatchCard(ctx context.Context, card *models.PatchCard) (string, string, error) {
	if f.failSend {
		return "", "", errors.New("platform unavailable")
	}
	f.nextID++
	f.sent = append(f.sent, card)
	return fmt.Sprintf("pm-%d", f.nextID), "chan-1", nil
}

func (f *fakeCardSender) SendReplyNotification(ctx context.Context, n ReplyNotification) error {
	f.notifications = append(f.notifications, n)
	return nil
}

type fakeThreadSender struct {
	created       []string
	updates       []string
	notified      int
	subPatchIDs   map[int]string
	lastOverview  *Overview
	nextThreadNum int
}

func (f *fakeThreadSender) CreateThreadAndSendOverview(ctx context.Context, name, anchorMessageID string, overview *Overview) (string, string, map[int]string, error) {
	f.nextThreadNum++
	f.created = append(f.created, name)
	f.lastOverview = overview
	return fmt.Sprintf("th-%d", f.nextThreadNum), fmt.Sprintf("om-%d", f.nextThreadNum), f.subPatchIDs, nil
}

func (f *fakeThreadSender) UpdateThreadOverview(ctx context.Context, threadID, messageID string, overview *Overview) error {
	f.updates = append(f.updates, messageID)
	f.lastOverview = overview
	return nil
}

func (f *fakeThreadSender) SendThreadUpdateNotification(ctx context.Context, channelID, threadID, platformMessageID string) error {
	f.notified++
	return nil
}

type fixture struct {
	proc    *Processor
	cards   *fakeCardSender
	threads *fakeThreadSender
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	cardSender := &fakeCardSender{}
	threadSender := &fakeThreadSender{}
	return &fixture{
		proc:    NewProcessor(database, cardSender, threadSender, DefaultCardExpiry),
		cards:   cardSender,
		threads: threadSender,
	}
}

// ingest stores a message with its classification applied and returns it.
func (f *fixture) ingest(t *testing.T, msg *models.FeedMessage) (*models.FeedMessage, classify.Classification) {
	t.Helper()
	if msg.SubsystemName == "" {
		msg.SubsystemName = "netdev"
	}
	c := classify.Classify(msg.Subject)
	c.ApplyTo(msg)
	stored, err := f.proc.messages.CreateOrUpdate(context.Background(), msg)
	require.NoError(t, err)
	return stored, c
}

func (f *fixture) process(t *testing.T, msg *models.FeedMessage) {
	t.Helper()
	stored, c := f.ingest(t, msg)
	require.NoError(t, f.proc.ProcessMessage(context.Background(), stored, c))
}

func (f *fixture) addRule(t *testing.T, rule *models.FilterRule) {
	t.Helper()
	rule.Enabled = true
	require.NoError(t, f.proc.filters.Create(context.Background(), rule))
}

func TestProcessPatch_CreatesCard(t *testing.T) {
	f := setup(t)
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
		Author:          "Dev One",
	})

	card, err := f.proc.cards.FindByHeader(context.Background(), "p1@kernel.org")
	require.NoError(t, err)
	require.Equal(t, "pm-1", card.PlatformMessageID)
	require.Equal(t, "chan-1", card.PlatformChannelID)
	require.False(t, card.HasThread)
	require.False(t, card.ExpiresAt.IsZero())
}

func TestProcessPatch_Idempotent(t *testing.T) {
	f := setup(t)
	msg := &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
	}
	f.process(t, msg)
	f.process(t, &models.FeedMessage{MessageIDHeader: msg.MessageIDHeader, Subject: msg.Subject})

	require.Len(t, f.cards.sent, 1)
}

func TestProcessPatch_SendBeforePersist(t *testing.T) {
	f := setup(t)
	f.cards.failSend = true
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
	})

	_, err := f.proc.cards.FindByHeader(context.Background(), "p1@kernel.org")
	require.ErrorIs(t, err, db.ErrCardNotFound)

	// The next delivery attempt succeeds and persists normally.
	f.cards.failSend = false
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
	})
	_, err = f.proc.cards.FindByHeader(context.Background(), "p1@kernel.org")
	require.NoError(t, err)
}

func TestProcessPatch_SeriesSubPatchGetsNoCard(t *testing.T) {
	f := setup(t)
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "sub1@kernel.org",
		Subject:         "[PATCH 1/3] net: part one",
		SeriesMessageID: "cover@kernel.org",
	})

	require.Empty(t, f.cards.sent)
	_, err := f.proc.cards.FindByHeader(context.Background(), "sub1@kernel.org")
	require.ErrorIs(t, err, db.ErrCardNotFound)
}

func TestProcessPatch_CoverLetterListsArrivedSubPatches(t *testing.T) {
	f := setup(t)
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "sub1@kernel.org",
		Subject:         "[PATCH 1/2] net: part one",
		SeriesMessageID: "cover@kernel.org",
	})
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "cover@kernel.org",
		Subject:         "[PATCH 0/2] net: rework queue handling",
		SeriesMessageID: "cover@kernel.org",
	})

	require.Len(t, f.cards.sent, 1)
	card := f.cards.sent[0]
	require.True(t, card.IsCoverLetter)
	require.Len(t, card.SeriesPatches, 1)
	require.Equal(t, "sub1@kernel.org", card.SeriesPatches[0].MessageID)
}

func TestProcessPatch_ExclusiveFilterGates(t *testing.T) {
	f := setup(t)
	f.addRule(t, &models.FilterRule{
		Name:      "mm-only",
		Exclusive: true,
		Conditions: models.FilterConditions{
			SubjectKeywords: []string{"mm:"},
		},
	})

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: unrelated fix",
	})
	require.Empty(t, f.cards.sent)

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p2@kernel.org",
		Subject:         "[PATCH] mm: fix page accounting",
	})
	require.Len(t, f.cards.sent, 1)
	require.Equal(t, []string{"mm-only"}, f.cards.sent[0].MatchedFilters)
}

func TestAutoWatch_RequiresMatchAndFlag(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRule(t, &models.FilterRule{
		Name:       "mm",
		Conditions: models.FilterConditions{SubjectKeywords: []string{"mm:"}},
	})

	// Flag off: matched filter alone does not open a thread.
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] mm: fix page accounting",
	})
	require.Empty(t, f.threads.created)

	require.NoError(t, f.proc.filters.SetAutoWatchEnabled(ctx, true))

	// Flag on but no matching filter: still no thread.
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p2@kernel.org",
		Subject:         "[PATCH] net: unrelated fix",
	})
	require.Empty(t, f.threads.created)

	// Both conditions hold.
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p3@kernel.org",
		Subject:         "[PATCH] mm: another fix",
	})
	require.Len(t, f.threads.created, 1)

	card, err := f.proc.cards.FindByHeader(ctx, "p3@kernel.org")
	require.NoError(t, err)
	require.True(t, card.HasThread)
}

func TestWatch_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
	})

	require.NoError(t, f.proc.Watch(ctx, "p1@kernel.org"))
	require.NoError(t, f.proc.Watch(ctx, "p1@kernel.org"))
	require.Len(t, f.threads.created, 1)

	thread, err := f.proc.threads.FindByHeader(ctx, "p1@kernel.org")
	require.NoError(t, err)
	require.True(t, thread.IsActive)
	card, err := f.proc.cards.FindByHeader(ctx, "p1@kernel.org")
	require.NoError(t, err)
	require.True(t, card.HasThread)
}

func TestWatch_TruncatesThreadName(t *testing.T) {
	f := setup(t)
	long := "[PATCH] net: "
	for len(long) < 150 {
		long += "very long subject "
	}
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         long,
	})

	require.NoError(t, f.proc.Watch(context.Background(), "p1@kernel.org"))
	require.Len(t, f.threads.created, 1)
	require.Len(t, f.threads.created[0], models.MaxThreadNameLen)
}

func TestProcessReply_UpdatesActiveThread(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
	})
	require.NoError(t, f.proc.Watch(ctx, "p1@kernel.org"))

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "r1@kernel.org",
		InReplyToHeader: "p1@kernel.org",
		Subject:         "Re: [PATCH] net: fix refcount leak",
		ReceivedAt:      time.Now().UTC(),
	})

	require.Len(t, f.threads.updates, 1)
	require.Equal(t, 1, f.threads.notified)
	require.NotNil(t, f.threads.lastOverview.Root)
	require.Len(t, f.threads.lastOverview.Root.Children, 1)

	hierarchy := f.threads.lastOverview.Hierarchy
	require.NotNil(t, hierarchy)
	require.Len(t, hierarchy.Entries, 1)
	require.Equal(t, []string{"r1@kernel.org"}, hierarchy.Roots)
}

func TestProcessReply_SubPatchReplyTargetsSubPatchMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.threads.subPatchIDs = map[int]string{1: "om-1", 2: "om-2"}

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "sub2@kernel.org",
		Subject:         "[PATCH 2/2] net: part two",
		SeriesMessageID: "cover@kernel.org",
	})
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "cover@kernel.org",
		Subject:         "[PATCH 0/2] net: rework queue handling",
		SeriesMessageID: "cover@kernel.org",
	})
	require.NoError(t, f.proc.Watch(ctx, "cover@kernel.org"))

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "r1@kernel.org",
		InReplyToHeader: "<sub2@kernel.org>",
		Subject:         "Re: [PATCH 2/2] net: part two",
	})

	require.Equal(t, []string{"om-2"}, f.threads.updates)
}

func TestProcessReply_ArchivedThreadFallsBack(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
	})
	require.NoError(t, f.proc.Watch(ctx, "p1@kernel.org"))
	require.NoError(t, f.proc.ArchiveThread(ctx, "p1@kernel.org"))

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "r1@kernel.org",
		InReplyToHeader: "p1@kernel.org",
		Subject:         "Re: [PATCH] net: fix refcount leak",
	})

	require.Empty(t, f.threads.updates)
}

func TestReplyPerspective_CreatesCardAndNotifies(t *testing.T) {
	f := setup(t)
	f.addRule(t, &models.FilterRule{
		Name:       "maintainer",
		Conditions: models.FilterConditions{Author: "Maintainer"},
	})

	// The patch itself does not match, so no card appears on ingest.
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
		Author:          "Dev One",
	})
	require.Empty(t, f.cards.sent)

	// A reply from the watched author surfaces the patch.
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "r1@kernel.org",
		InReplyToHeader: "p1@kernel.org",
		Subject:         "Re: [PATCH] net: fix refcount leak",
		Author:          "Maintainer Person",
		ReceivedAt:      time.Now().UTC(),
	})

	require.Len(t, f.cards.sent, 1)
	require.Equal(t, "p1@kernel.org", f.cards.sent[0].MessageIDHeader)
	require.Len(t, f.cards.notifications, 1)
	require.Equal(t, "[PATCH] net: fix refcount leak", f.cards.notifications[0].RootSubject)
}

func TestReplyPerspective_RequiresReplyToMatch(t *testing.T) {
	f := setup(t)
	f.addRule(t, &models.FilterRule{
		Name:       "maintainer",
		Conditions: models.FilterConditions{Author: "Maintainer"},
	})

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
		Author:          "Dev One",
	})
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "r1@kernel.org",
		InReplyToHeader: "p1@kernel.org",
		Subject:         "Re: [PATCH] net: fix refcount leak",
		Author:          "Other Dev",
	})

	require.Empty(t, f.cards.sent)
	require.Empty(t, f.cards.notifications)
}

func TestReplyPerspective_ChainWalkFindsRoot(t *testing.T) {
	f := setup(t)
	f.addRule(t, &models.FilterRule{
		Name:       "maintainer",
		Conditions: models.FilterConditions{Author: "Maintainer"},
	})

	f.process(t, &models.FeedMessage{
		MessageIDHeader: "p1@kernel.org",
		Subject:         "[PATCH] net: fix refcount leak",
	})
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "r1@kernel.org",
		InReplyToHeader: "p1@kernel.org",
		Subject:         "Re: [PATCH] net: fix refcount leak",
		Author:          "Dev Two",
	})
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "r2@kernel.org",
		InReplyToHeader: "r1@kernel.org",
		Subject:         "Re: [PATCH] net: fix refcount leak",
		Author:          "Maintainer Person",
	})

	require.Len(t, f.cards.sent, 1)
	require.Equal(t, "p1@kernel.org", f.cards.sent[0].MessageIDHeader)
}

func TestSweepExpiredCards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "stale@kernel.org",
		Subject:         "[PATCH] net: old fix",
	})
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "watched@kernel.org",
		Subject:         "[PATCH] net: watched fix",
	})
	require.NoError(t, f.proc.Watch(ctx, "watched@kernel.org"))

	removed, err := f.proc.SweepExpiredCards(ctx, time.Now().UTC().Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = f.proc.cards.FindByHeader(ctx, "stale@kernel.org")
	require.ErrorIs(t, err, db.ErrCardNotFound)
	_, err = f.proc.cards.FindByHeader(ctx, "watched@kernel.org")
	require.NoError(t, err)
}

func TestProcessMessage_IgnoresNonPatchNonReply(t *testing.T) {
	f := setup(t)
	f.process(t, &models.FeedMessage{
		MessageIDHeader: "n1@kernel.org",
		Subject:         "Weekly CI report",
	})
	require.Empty(t, f.cards.sent)
}
