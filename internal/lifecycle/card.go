package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/filter"
	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/models"
)

// processPatch runs the card-creation path for a patch or cover letter.
func (p *Processor) processPatch(ctx context.Context, msg *models.FeedMessage) error {
	if msg.MessageIDHeader == "" {
		p.logger.Warn().Str("subject", msg.Subject).Msg("patch message has no message_id_header")
		return nil
	}

	logger := logging.WithMessage(msg.MessageIDHeader)

	existing, err := p.cards.FindByHeader(ctx, msg.MessageIDHeader)
	if err != nil && !errors.Is(err, db.ErrCardNotFound) {
		return err
	}
	if existing != nil {
		logger.Debug().Msg("patch card already exists")
		return nil
	}

	// Series sub-patches never get their own card; they live only as feed
	// message rows until the cover letter arrives.
	if msg.SeriesMessageID != "" && !msg.IsCoverLetter &&
		msg.PatchIndex != nil && *msg.PatchIndex > 0 {
		logger.Debug().
			Int("patch_index", *msg.PatchIndex).
			Msg("skipping card creation for series sub-patch")
		return nil
	}

	allow, matched := filter.Evaluate(msg, p.enabledRules(ctx))
	if !allow {
		logger.Debug().Msg("card creation filtered out by rules")
		return nil
	}

	card, err := p.createAndSendCard(ctx, msg, matched)
	if err != nil {
		return err
	}
	if card == nil {
		return nil
	}

	logger.Info().
		Bool("is_series", msg.IsSeriesPatch).
		Str("platform_message_id", card.PlatformMessageID).
		Msg("created patch card")

	if p.autoWatchAllowed(ctx, matched) && !card.HasThread {
		p.autoWatch(ctx, card)
	}
	return nil
}

// createAndSendCard composes a card, obtains a platform identity from the
// sender, and only then persists the row. A failed send leaves no trace; a
// lost uniqueness race resolves to the existing row.
func (p *Processor) createAndSendCard(ctx context.Context, target *models.FeedMessage, matchedFilters []string) (*models.PatchCard, error) {
	card := &models.PatchCard{
		MessageIDHeader: target.MessageIDHeader,
		SubsystemName:   target.SubsystemName,
		Subject:         target.Subject,
		Author:          target.Author,
		URL:             target.URL,
		IsSeriesPatch:   target.IsSeriesPatch,
		SeriesMessageID: target.SeriesMessageID,
		PatchVersion:    target.PatchVersion,
		PatchIndex:      target.PatchIndex,
		PatchTotal:      target.PatchTotal,
		IsCoverLetter:   target.IsCoverLetter,
		MatchedFilters:  matchedFilters,
	}

	if target.IsCoverLetter && target.SeriesMessageID != "" {
		total := 0
		if target.PatchTotal != nil {
			total = *target.PatchTotal
		}
		patches, err := p.resolver.SeriesPatches(ctx, target.SeriesMessageID, target.MessageIDHeader, total)
		if err != nil {
			return nil, err
		}
		card.SeriesPatches = patches
	}

	if p.cardSender == nil {
		p.logger.Debug().
			Str("message_id_header", target.MessageIDHeader).
			Msg("card sender not configured, skipping card creation")
		return nil, nil
	}

	platformMessageID, platformChannelID, err := p.cardSender.SendPatchCard(ctx, card)
	if err != nil {
		p.logger.Error().Err(err).
			Str("message_id_header", target.MessageIDHeader).
			Msg("failed to send patch card")
		return nil, nil
	}
	if platformMessageID == "" {
		p.logger.Warn().
			Str("message_id_header", target.MessageIDHeader).
			Msg("card sender returned no platform message id")
		return nil, nil
	}

	card.PlatformMessageID = platformMessageID
	card.PlatformChannelID = platformChannelID
	card.ExpiresAt = time.Now().UTC().Add(p.cardExpiry)

	if err := p.cards.Create(ctx, card); err != nil {
		if errors.Is(err, db.ErrCardAlreadyExists) {
			// A concurrent writer won the race on the dedup key. First writer
			// wins on identity; re-read and carry on with the existing row.
			p.logger.Debug().
				Str("message_id_header", target.MessageIDHeader).
				Msg("concurrent card creation detected, using existing card")
			existing, findErr := p.cards.FindByHeader(ctx, target.MessageIDHeader)
			if findErr != nil {
				return nil, findErr
			}
			existing.IsCoverLetter = card.IsCoverLetter
			existing.SeriesPatches = card.SeriesPatches
			existing.MatchedFilters = card.MatchedFilters
			return existing, nil
		}
		return nil, err
	}

	return card, nil
}

// withSeriesData fills the render-only series fields of a persisted card.
func (p *Processor) withSeriesData(ctx context.Context, card *models.PatchCard) (*models.PatchCard, error) {
	root, err := p.messages.FindByHeader(ctx, card.MessageIDHeader)
	if err == nil {
		card.IsCoverLetter = root.IsCoverLetter
	} else if !errors.Is(err, db.ErrFeedMessageNotFound) {
		return nil, err
	}

	if card.IsSeriesPatch && card.SeriesMessageID != "" {
		total := 0
		if card.PatchTotal != nil {
			total = *card.PatchTotal
		}
		patches, err := p.resolver.SeriesPatches(ctx, card.SeriesMessageID, card.MessageIDHeader, total)
		if err != nil {
			return nil, err
		}
		card.SeriesPatches = patches
	}
	return card, nil
}
