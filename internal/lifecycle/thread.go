package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patchlore/patchlore/internal/classify"
	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/filter"
	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/models"
	"github.com/patchlore/patchlore/internal/resolve"
)

// processReply runs the reply path: correlate the reply with a card, then
// either refresh the card's active thread or take the reply perspective.
func (p *Processor) processReply(ctx context.Context, msg *models.FeedMessage) error {
	if msg.InReplyToHeader == "" {
		return nil
	}

	card, err := p.findCardForReply(ctx, msg)
	if err != nil {
		return err
	}
	if card == nil {
		return p.replyPerspective(ctx, msg)
	}

	card, err = p.withSeriesData(ctx, card)
	if err != nil {
		return err
	}

	thread, err := p.threads.FindByHeader(ctx, card.MessageIDHeader)
	if err != nil && !errors.Is(err, db.ErrThreadNotFound) {
		return err
	}
	if thread != nil && thread.IsActive {
		return p.updateThreadWithReply(ctx, msg, card, thread)
	}
	return p.replyPerspective(ctx, msg)
}

// findCardForReply locates the card a reply belongs to: first by treating
// the In-Reply-To header as a card key directly, then by following a
// sub-patch's series back to the series card.
func (p *Processor) findCardForReply(ctx context.Context, msg *models.FeedMessage) (*models.PatchCard, error) {
	for _, candidate := range headerCandidates(msg.InReplyToHeader) {
		card, err := p.cards.FindByHeader(ctx, candidate)
		if err == nil {
			return card, nil
		}
		if !errors.Is(err, db.ErrCardNotFound) {
			return nil, err
		}
	}

	// The reply may target a sub-patch that never had a card of its own.
	for _, candidate := range headerCandidates(msg.InReplyToHeader) {
		parent, err := p.messages.FindByHeader(ctx, candidate)
		if err != nil {
			if errors.Is(err, db.ErrFeedMessageNotFound) {
				continue
			}
			return nil, err
		}
		if parent.SeriesMessageID == "" {
			continue
		}
		card, err := p.cards.FindSeriesCard(ctx, parent.SeriesMessageID)
		if err == nil {
			return card, nil
		}
		if !errors.Is(err, db.ErrCardNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// headerCandidates yields the bracket variants of a Message-ID header so a
// lookup tolerates either storage convention.
func headerCandidates(header string) []string {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return nil
	}
	extracted := resolve.ExtractMessageID(raw)
	candidates := []string{raw}
	if extracted != raw {
		candidates = append(candidates, extracted)
	}
	bracketed := "<" + extracted + ">"
	if bracketed != raw {
		candidates = append(candidates, bracketed)
	}
	return candidates
}

// updateThreadWithReply re-renders the overview message a reply targets and
// notifies the card's channel of the update.
func (p *Processor) updateThreadWithReply(ctx context.Context, msg *models.FeedMessage, card *models.PatchCard, thread *models.PatchThread) error {
	if p.threadSender == nil {
		return nil
	}

	targetIndex, err := p.findTargetPatchForReply(ctx, msg, card)
	if err != nil {
		return err
	}

	overview, err := p.prepareOverview(ctx, card)
	if err != nil {
		return err
	}

	logger := logging.WithThread(thread.ThreadID)

	messageID := p.overviewMessageID(thread, targetIndex)
	if messageID == "" {
		logger.Warn().
			Int("target_index", targetIndex).
			Msg("thread has no rendered message to update")
		return nil
	}

	if err := p.threadSender.UpdateThreadOverview(ctx, thread.ThreadID, messageID, overview); err != nil {
		logger.Error().Err(err).
			Str("message_id", messageID).
			Msg("failed to update thread overview")
		return nil
	}

	logger.Info().
		Int("target_index", targetIndex).
		Str("reply_header", msg.MessageIDHeader).
		Msg("updated thread overview with reply")

	if card.PlatformChannelID != "" {
		if err := p.threadSender.SendThreadUpdateNotification(ctx, card.PlatformChannelID, thread.ThreadID, card.PlatformMessageID); err != nil {
			logger.Warn().Err(err).
				Msg("failed to send thread update notification")
		}
	}
	return nil
}

// findTargetPatchForReply picks which patch of a series a reply addresses.
// Index 0 is the cover letter overview; a single patch is index 1.
func (p *Processor) findTargetPatchForReply(ctx context.Context, msg *models.FeedMessage, card *models.PatchCard) (int, error) {
	if !card.IsSeriesPatch || card.SeriesMessageID == "" {
		return 1, nil
	}

	for _, candidate := range headerCandidates(msg.InReplyToHeader) {
		if candidate == card.MessageIDHeader ||
			resolve.ExtractMessageID(candidate) == resolve.ExtractMessageID(card.MessageIDHeader) {
			return 0, nil
		}
	}

	subPatches, err := p.messages.FindBySeriesID(ctx, card.SeriesMessageID)
	if err != nil {
		return 0, err
	}
	inReplyTo := strings.ToLower(msg.InReplyToHeader)
	for _, sub := range subPatches {
		if sub.PatchIndex == nil || *sub.PatchIndex == 0 {
			continue
		}
		id := strings.ToLower(resolve.ExtractMessageID(sub.MessageIDHeader))
		if id != "" && strings.Contains(inReplyTo, id) {
			return *sub.PatchIndex, nil
		}
	}
	// Replies deeper in the conversation land on the cover letter overview.
	return 0, nil
}

// overviewMessageID picks the rendered message to rewrite for a target
// index, falling back to any rendered message the thread has.
func (p *Processor) overviewMessageID(thread *models.PatchThread, targetIndex int) string {
	if targetIndex > 0 {
		if id, ok := thread.SubPatchMessages[targetIndex]; ok && id != "" {
			return id
		}
	}
	if thread.OverviewMessageID != "" {
		return thread.OverviewMessageID
	}
	if len(thread.SubPatchMessages) == 0 {
		return ""
	}
	keys := make([]int, 0, len(thread.SubPatchMessages))
	for k := range thread.SubPatchMessages {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return thread.SubPatchMessages[keys[0]]
}

// replyPerspective handles a reply whose card does not exist or has no
// active thread: resolve the root patch, and if the reply itself clears the
// filters, surface the patch as a card with a reply notice.
func (p *Processor) replyPerspective(ctx context.Context, msg *models.FeedMessage) error {
	target, err := p.resolver.ResolveTarget(ctx, msg)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}

	c := classify.Classify(target.Subject)
	if !c.IsPatch || c.IsReply {
		return nil
	}

	// The reply, not the patch, must earn the attention here.
	allow, matched := filter.Evaluate(msg, p.enabledRules(ctx))
	if !allow || len(matched) == 0 {
		return nil
	}

	existing, err := p.cards.FindByHeader(ctx, target.MessageIDHeader)
	if err != nil && !errors.Is(err, db.ErrCardNotFound) {
		return err
	}
	if existing != nil && existing.HasThread {
		return nil
	}

	card := existing
	if card == nil {
		card, err = p.createAndSendCard(ctx, target, matched)
		if err != nil {
			return err
		}
		if card == nil {
			return nil
		}
		p.logger.Info().
			Str("message_id_header", target.MessageIDHeader).
			Str("reply_header", msg.MessageIDHeader).
			Msg("created patch card from reply perspective")
	}

	p.sendReplyNotice(ctx, msg, target)

	if p.autoWatchAllowed(ctx, matched) && !card.HasThread {
		card.MatchedFilters = matched
		p.autoWatch(ctx, card)
	}
	return nil
}

// sendReplyNotice posts a standalone reply notification when the card
// sender supports it.
func (p *Processor) sendReplyNotice(ctx context.Context, msg, target *models.FeedMessage) {
	notifier, ok := p.cardSender.(ReplyNotifier)
	if !ok {
		return
	}
	notification := ReplyNotification{
		ReplyAuthor:    msg.Author,
		ReplySubject:   msg.Subject,
		ReplyURL:       msg.URL,
		ReplySubsystem: msg.SubsystemName,
		ReplyTime:      msg.ReceivedAt.UTC().Format(time.RFC3339),
		RootSubject:    target.Subject,
		RootURL:        target.URL,
	}
	if err := notifier.SendReplyNotification(ctx, notification); err != nil {
		p.logger.Warn().Err(err).
			Str("reply_header", msg.MessageIDHeader).
			Msg("failed to send reply notification")
	}
}

// autoWatch opens a discussion thread for a card. The transition is
// idempotent: a card that already has an active thread only gets its
// has_thread flag backfilled.
func (p *Processor) autoWatch(ctx context.Context, card *models.PatchCard) {
	if p.threadSender == nil {
		return
	}
	if card.PlatformMessageID == "" {
		p.logger.Warn().
			Str("message_id_header", card.MessageIDHeader).
			Msg("cannot watch a card without a platform message")
		return
	}

	existing, err := p.threads.FindByHeader(ctx, card.MessageIDHeader)
	if err != nil && !errors.Is(err, db.ErrThreadNotFound) {
		p.logger.Error().Err(err).
			Str("message_id_header", card.MessageIDHeader).
			Msg("failed to look up thread")
		return
	}
	if existing != nil && existing.IsActive {
		if !card.HasThread {
			if err := p.cards.MarkHasThread(ctx, card.MessageIDHeader); err != nil {
				p.logger.Warn().Err(err).
					Str("message_id_header", card.MessageIDHeader).
					Msg("failed to backfill has_thread flag")
				return
			}
			card.HasThread = true
		}
		return
	}

	overview, err := p.prepareOverview(ctx, card)
	if err != nil {
		p.logger.Error().Err(err).
			Str("message_id_header", card.MessageIDHeader).
			Msg("failed to prepare thread overview")
		return
	}

	name := models.TruncateThreadName(card.Subject)
	threadID, overviewMessageID, subPatchMessages, err := p.threadSender.CreateThreadAndSendOverview(ctx, name, card.PlatformMessageID, overview)
	if err != nil {
		p.logger.Error().Err(err).
			Str("message_id_header", card.MessageIDHeader).
			Msg("failed to create discussion thread")
		return
	}

	logger := logging.WithThread(threadID)

	thread := &models.PatchThread{
		CardMessageIDHeader: card.MessageIDHeader,
		ThreadID:            threadID,
		ThreadName:          name,
		IsActive:            true,
	}
	if err := p.threads.Create(ctx, thread); err != nil {
		if !errors.Is(err, db.ErrThreadAlreadyExists) {
			logger.Error().Err(err).
				Str("message_id_header", card.MessageIDHeader).
				Msg("failed to persist thread binding")
			return
		}
	} else {
		if overviewMessageID != "" {
			if err := p.threads.UpdateOverviewMessageID(ctx, threadID, overviewMessageID); err != nil {
				logger.Warn().Err(err).
					Msg("failed to record overview message id")
			}
		}
		if len(subPatchMessages) > 0 {
			if err := p.threads.UpdateSubPatchMessages(ctx, threadID, subPatchMessages); err != nil {
				logger.Warn().Err(err).
					Msg("failed to record sub-patch message map")
			}
		}
	}

	if err := p.cards.MarkHasThread(ctx, card.MessageIDHeader); err != nil {
		logger.Warn().Err(err).
			Str("message_id_header", card.MessageIDHeader).
			Msg("failed to mark card as threaded")
		return
	}
	card.HasThread = true

	logger.Info().
		Str("message_id_header", card.MessageIDHeader).
		Msg("opened discussion thread")
}

// Watch opens a thread for a card on operator request, bypassing the
// auto-watch filter gate.
func (p *Processor) Watch(ctx context.Context, messageIDHeader string) error {
	card, err := p.cards.FindByHeader(ctx, messageIDHeader)
	if err != nil {
		return err
	}
	card, err = p.withSeriesData(ctx, card)
	if err != nil {
		return err
	}
	if p.threadSender == nil {
		return fmt.Errorf("no thread sender configured")
	}
	p.autoWatch(ctx, card)
	if !card.HasThread {
		return fmt.Errorf("failed to open thread for %s", messageIDHeader)
	}
	return nil
}

// ArchiveThread deactivates the thread bound to a card. Archival is
// one-way; subsequent replies fall back to the reply perspective.
func (p *Processor) ArchiveThread(ctx context.Context, messageIDHeader string) error {
	thread, err := p.threads.FindByHeader(ctx, messageIDHeader)
	if err != nil {
		return err
	}
	if err := p.threads.Archive(ctx, thread.ThreadID); err != nil {
		return err
	}
	p.logger.Info().
		Str("message_id_header", messageIDHeader).
		Str("thread_id", thread.ThreadID).
		Msg("archived discussion thread")
	return nil
}

// prepareOverview assembles the overview payload: the card with series data,
// the conversation tree rooted at its message, and the flat reply hierarchy
// for the card's own message.
func (p *Processor) prepareOverview(ctx context.Context, card *models.PatchCard) (*Overview, error) {
	root, err := p.messages.FindByHeader(ctx, card.MessageIDHeader)
	if err != nil {
		if !errors.Is(err, db.ErrFeedMessageNotFound) {
			return nil, err
		}
		// The card may outlive its feed message; render from the card alone.
		root = &models.FeedMessage{
			MessageIDHeader: card.MessageIDHeader,
			SubsystemName:   card.SubsystemName,
			Subject:         card.Subject,
			Author:          card.Author,
			URL:             card.URL,
			IsPatch:         true,
			IsCoverLetter:   card.IsCoverLetter,
			IsSeriesPatch:   card.IsSeriesPatch,
			SeriesMessageID: card.SeriesMessageID,
		}
	}

	tree, err := p.trees.BuildTree(ctx, root, card)
	if err != nil {
		return nil, err
	}

	replies, err := p.trees.CollectReplies(ctx, root.MessageIDHeader)
	if err != nil {
		return nil, err
	}
	hierarchy, err := p.trees.BuildHierarchy(ctx, replies, root.MessageIDHeader)
	if err != nil {
		return nil, err
	}

	return &Overview{Card: card, Root: tree, Hierarchy: hierarchy}, nil
}
