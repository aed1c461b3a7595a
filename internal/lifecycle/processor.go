// Package lifecycle implements the patch-card and thread state machines:
// card creation with send-before-persist ordering, dedup-race recovery,
// auto-watch, thread updates on correlated replies, and the expiry sweep.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchlore/patchlore/internal/classify"
	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/models"
	"github.com/patchlore/patchlore/internal/resolve"
	"github.com/patchlore/patchlore/internal/threading"
)

// DefaultCardExpiry is how long a card without a thread survives before the
// sweep may remove it.
const DefaultCardExpiry = 24 * time.Hour

// Processor is the single entry point for classified feed messages. It owns
// the card and thread lifecycles and depends on senders only through their
// interfaces.
type Processor struct {
	messages *db.FeedMessageRepository
	cards    *db.PatchCardRepository
	threads  *db.PatchThreadRepository
	filters  *db.FilterRuleRepository

	resolver *resolve.Resolver
	trees    *threading.TreeBuilder

	cardSender   CardSender
	threadSender ThreadSender

	cardExpiry time.Duration
	logger     zerolog.Logger
}

// NewProcessor wires a Processor over one database handle.
func NewProcessor(database *db.DB, cardSender CardSender, threadSender ThreadSender, cardExpiry time.Duration) *Processor {
	if cardExpiry <= 0 {
		cardExpiry = DefaultCardExpiry
	}
	messages := db.NewFeedMessageRepository(database)
	return &Processor{
		messages:     messages,
		cards:        db.NewPatchCardRepository(database),
		threads:      db.NewPatchThreadRepository(database),
		filters:      db.NewFilterRuleRepository(database),
		resolver:     resolve.NewResolver(messages),
		trees:        threading.NewTreeBuilder(messages),
		cardSender:   cardSender,
		threadSender: threadSender,
		cardExpiry:   cardExpiry,
		logger:       logging.Component("lifecycle"),
	}
}

// ProcessMessage routes one stored, classified message through the patch or
// reply path. Errors are returned for telemetry; the caller must not let a
// failure here abort the rest of the cycle.
func (p *Processor) ProcessMessage(ctx context.Context, msg *models.FeedMessage, c classify.Classification) error {
	switch {
	case c.IsPatch && !c.IsReply:
		return p.processPatch(ctx, msg)
	case c.IsReply:
		return p.processReply(ctx, msg)
	default:
		return nil
	}
}

// SweepExpiredCards deletes cards past their expiry that never gained a
// thread, returning how many were removed.
func (p *Processor) SweepExpiredCards(ctx context.Context, now time.Time) (int, error) {
	expired, err := p.cards.FindExpiredWithoutThread(ctx, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, card := range expired {
		if err := p.cards.Delete(ctx, card.MessageIDHeader); err != nil {
			p.logger.Warn().Err(err).
				Str("message_id_header", card.MessageIDHeader).
				Msg("failed to delete expired card")
			continue
		}
		removed++
		p.logger.Info().
			Str("message_id_header", card.MessageIDHeader).
			Time("expired_at", card.ExpiresAt).
			Msg("swept expired card without thread")
	}
	return removed, nil
}

// enabledRules loads the enabled filter set. A load failure degrades to
// "no rules", which the engine treats as default-allow, so a broken filter
// store never silently drops messages.
func (p *Processor) enabledRules(ctx context.Context) []*models.FilterRule {
	rules, err := p.filters.List(ctx, true)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to load filter rules, defaulting to allow")
		return nil
	}
	return rules
}

// autoWatchAllowed reports whether the auto-watch transition applies: the
// message must have matched at least one filter and the global flag must be
// on.
func (p *Processor) autoWatchAllowed(ctx context.Context, matchedFilters []string) bool {
	if len(matchedFilters) == 0 {
		return false
	}
	enabled, err := p.filters.AutoWatchEnabled(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to read auto-watch flag")
		return false
	}
	return enabled
}
