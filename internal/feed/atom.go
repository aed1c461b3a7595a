// Package feed fetches and parses lore-style atom feeds into monitor
// entries. Message identity comes from the entry id URL; reply linkage from
// the threading extension's in-reply-to element.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/monitor"
)

const (
	userAgent      = "patchlore/1.0"
	requestTimeout = 30 * time.Second

	// maxFeedBytes bounds how much of a feed response is read.
	maxFeedBytes = 8 << 20
)

type atomAuthor struct {
	Name  string `xml:"name"`
	Email string `xml:"email"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type atomInReplyTo struct {
	Ref  string `xml:"ref,attr"`
	Href string `xml:"href,attr"`
}

type atomEntry struct {
	ID        string        `xml:"id"`
	Title     string        `xml:"title"`
	Updated   string        `xml:"updated"`
	Author    atomAuthor    `xml:"author"`
	Links     []atomLink    `xml:"link"`
	InReplyTo atomInReplyTo `xml:"in-reply-to"`
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

// AtomSource fetches feeds over HTTP.
type AtomSource struct {
	client *http.Client
	logger zerolog.Logger
}

// NewAtomSource returns a Source with a bounded-timeout HTTP client.
func NewAtomSource() *AtomSource {
	return &AtomSource{
		client: &http.Client{Timeout: requestTimeout},
		logger: logging.Component("feed"),
	}
}

// Fetch downloads and parses one subsystem feed.
func (s *AtomSource) Fetch(ctx context.Context, subsystem, feedURL string) ([]monitor.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", feedURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned status %s", feedURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed %s: %w", feedURL, err)
	}

	entries, err := parseFeed(subsystem, body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("subsystem", subsystem).
		Int("entries", len(entries)).
		Msg("fetched feed")
	return entries, nil
}

func parseFeed(subsystem string, body []byte) ([]monitor.Entry, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse feed for %s: %w", subsystem, err)
	}

	entries := make([]monitor.Entry, 0, len(feed.Entries))
	for _, raw := range feed.Entries {
		header := messageIDFromEntryID(raw.ID)
		if header == "" {
			continue
		}
		entry := monitor.Entry{
			MessageIDHeader: header,
			InReplyToHeader: messageIDFromRef(raw.InReplyTo.Ref),
			Subject:         strings.TrimSpace(raw.Title),
			Author:          strings.TrimSpace(raw.Author.Name),
			AuthorEmail:     strings.TrimSpace(raw.Author.Email),
			URL:             entryURL(raw),
			ReceivedAt:      parseUpdated(raw.Updated),
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// messageIDFromEntryID extracts the Message-ID from a lore entry id, which
// is either an archive URL ending in the message id or a urn:msgid form.
func messageIDFromEntryID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(id, "urn:msgid:"); ok {
		return rest
	}
	id = strings.TrimSuffix(id, "/")
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

func messageIDFromRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "urn:msgid:"); ok {
		return rest
	}
	return ref
}

func entryURL(raw atomEntry) string {
	for _, link := range raw.Links {
		if link.Rel == "" || link.Rel == "alternate" {
			return link.Href
		}
	}
	if len(raw.Links) > 0 {
		return raw.Links[0].Href
	}
	return ""
}

func parseUpdated(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
