// Package resolve correlates replies with the patch or cover letter they
// ultimately answer, and gathers series listings for rendering.
package resolve

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/models"
)

// maxChainDepth bounds the reply-chain walk. Reference graphs from the wild
// contain cycles and broken links, so termination cannot rely on the data.
const maxChainDepth = 30

// ExtractMessageID normalizes a reference header value: strips enclosing
// angle brackets and, when the header carries several space-separated
// references, takes the first one (the primary reply target).
func ExtractMessageID(header string) string {
	cleaned := strings.TrimSpace(header)
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "<") && strings.HasSuffix(cleaned, ">") {
		cleaned = cleaned[1 : len(cleaned)-1]
	}
	parts := strings.Fields(cleaned)
	if len(parts) == 0 {
		return ""
	}
	return strings.Trim(parts[0], "<>")
}

// Resolver walks reply-reference chains over stored feed messages.
type Resolver struct {
	messages *db.FeedMessageRepository
	logger   zerolog.Logger
}

// NewResolver creates a Resolver over a message repository.
func NewResolver(messages *db.FeedMessageRepository) *Resolver {
	return &Resolver{
		messages: messages,
		logger:   logging.Component("resolve"),
	}
}

// ResolveTarget finds the patch (or cover letter) a reply ultimately
// answers. It first walks the in-reply-to chain; when that fails it falls
// back to matching the series id carried by the reply or its immediate
// parent. A nil result with a nil error means no correlation was found,
// which callers treat as "ungrouped message", never as a failure.
func (r *Resolver) ResolveTarget(ctx context.Context, reply *models.FeedMessage) (*models.FeedMessage, error) {
	if reply.InReplyToHeader == "" {
		return nil, nil
	}

	resolved, err := r.walkChain(ctx, reply.InReplyToHeader)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		return resolved, nil
	}

	// The chain dead-ended (missing intermediate records). Try the series id
	// from the reply itself, then from its direct parent.
	seriesID := reply.SeriesMessageID
	if seriesID == "" {
		parent, err := r.lookup(ctx, reply.InReplyToHeader)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			seriesID = parent.SeriesMessageID
		}
	}
	if seriesID == "" {
		return nil, nil
	}

	root, err := r.lookup(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if root != nil && root.IsPatch && !root.IsReply {
		r.logger.Debug().
			Str("series_message_id", seriesID).
			Msg("resolved reply target via series fallback")
		return root, nil
	}
	return nil, nil
}

// walkChain follows in-reply-to references until it reaches a message that
// is a patch and not itself a reply. A sub-patch of a series redirects to
// the series cover letter, the canonical card target.
func (r *Resolver) walkChain(ctx context.Context, inReplyToHeader string) (*models.FeedMessage, error) {
	current := inReplyToHeader
	visited := make(map[string]struct{})

	for depth := 0; current != "" && depth < maxChainDepth; depth++ {
		id := ExtractMessageID(current)
		if id == "" {
			return nil, nil
		}
		if _, seen := visited[id]; seen {
			r.logger.Debug().Str("message_id", id).Msg("reference cycle in reply chain")
			return nil, nil
		}
		visited[id] = struct{}{}

		msg, err := r.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, nil
		}

		if msg.IsPatch && !msg.IsReply {
			if msg.IsSeriesPatch && !msg.IsCoverLetter && msg.SeriesMessageID != "" {
				cover, err := r.lookup(ctx, msg.SeriesMessageID)
				if err != nil {
					return nil, err
				}
				if cover != nil && cover.IsPatch && !cover.IsReply {
					return cover, nil
				}
			}
			return msg, nil
		}

		current = msg.InReplyToHeader
	}
	return nil, nil
}

// lookup retrieves a message by reference, tolerating bracket variants: the
// raw header, the extracted token, and the token re-wrapped in brackets.
func (r *Resolver) lookup(ctx context.Context, ref string) (*models.FeedMessage, error) {
	candidates := []string{ref}
	if extracted := ExtractMessageID(ref); extracted != "" && extracted != ref {
		candidates = append(candidates, extracted, "<"+extracted+">")
	} else if !strings.HasPrefix(ref, "<") {
		candidates = append(candidates, "<"+ref+">")
	}

	for _, candidate := range candidates {
		msg, err := r.messages.FindByHeader(ctx, candidate)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, db.ErrFeedMessageNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// SeriesPatches lists the stored sub-patches of a series for card rendering:
// every message sharing the series id except the cover letter (index 0) and
// the triggering message itself, ascending by patch index.
func (r *Resolver) SeriesPatches(ctx context.Context, seriesMessageID, excludeHeader string, total int) ([]models.SeriesPatchInfo, error) {
	if seriesMessageID == "" {
		return nil, nil
	}

	msgs, err := r.messages.FindBySeriesID(ctx, seriesMessageID)
	if err != nil {
		return nil, err
	}

	var patches []models.SeriesPatchInfo
	for _, msg := range msgs {
		if msg.PatchIndex == nil || *msg.PatchIndex == 0 {
			continue
		}
		if msg.MessageIDHeader == excludeHeader {
			continue
		}
		patches = append(patches, models.SeriesPatchInfo{
			Subject:    msg.Subject,
			PatchIndex: *msg.PatchIndex,
			PatchTotal: total,
			MessageID:  msg.MessageIDHeader,
			URL:        msg.URL,
		})
	}
	return patches, nil
}
