// Package monitor coordinates the polling loop: it iterates subscribed
// subsystems, pulls new feed entries from a Source, classifies them, and
// hands them to the lifecycle processor one by one. A failure in one
// subsystem or one entry never aborts the rest of the cycle.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchlore/patchlore/internal/classify"
	"github.com/patchlore/patchlore/internal/config"
	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/lifecycle"
	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/models"
	"github.com/patchlore/patchlore/internal/resolve"
)

// Entry is one raw feed item as delivered by a Source, before
// classification.
type Entry struct {
	MessageIDHeader string
	MessageID       string
	InReplyToHeader string
	Subject         string
	Author          string
	AuthorEmail     string
	Content         string
	URL             string
	ReceivedAt      time.Time
}

// Source pulls the newest entries for one subsystem feed. Implementations
// own transport and parsing; the monitor owns everything after.
type Source interface {
	Fetch(ctx context.Context, subsystem, feedURL string) ([]Entry, error)
}

// SubsystemResult is the per-subsystem outcome of one cycle.
type SubsystemResult struct {
	Subsystem string `json:"subsystem"`
	Fetched   int    `json:"fetched"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Err       string `json:"error,omitempty"`
}

// Result aggregates one full monitoring cycle.
type Result struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Subsystems []SubsystemResult `json:"subsystems"`
}

// Processed sums successfully processed entries across subsystems.
func (r *Result) Processed() int {
	total := 0
	for _, s := range r.Subsystems {
		total += s.Processed
	}
	return total
}

// Failed sums per-entry failures and counts subsystems whose fetch failed.
func (r *Result) Failed() int {
	total := 0
	for _, s := range r.Subsystems {
		total += s.Failed
		if s.Err != "" {
			total++
		}
	}
	return total
}

// Monitor drives the ingest pipeline on a schedule.
type Monitor struct {
	cfg        config.MonitorConfig
	source     Source
	processor  *lifecycle.Processor
	messages   *db.FeedMessageRepository
	subsystems *db.SubsystemRepository
	logger     zerolog.Logger
}

// New wires a Monitor over one database handle.
func New(cfg config.MonitorConfig, database *db.DB, source Source, processor *lifecycle.Processor) *Monitor {
	return &Monitor{
		cfg:        cfg,
		source:     source,
		processor:  processor,
		messages:   db.NewFeedMessageRepository(database),
		subsystems: db.NewSubsystemRepository(database),
		logger:     logging.Component("monitor"),
	}
}

// Run executes monitoring cycles on the configured interval and the expiry
// sweep on its own interval until the context is cancelled. The first cycle
// runs immediately.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	sweepInterval := m.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}

	cycleTicker := time.NewTicker(interval)
	defer cycleTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	m.logger.Info().
		Dur("interval", interval).
		Dur("sweep_interval", sweepInterval).
		Msg("monitor started")

	m.runCycleLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monitor stopped")
			return ctx.Err()
		case <-cycleTicker.C:
			m.runCycleLogged(ctx)
		case <-sweepTicker.C:
			removed, err := m.processor.SweepExpiredCards(ctx, time.Now().UTC())
			if err != nil {
				m.logger.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if removed > 0 {
				m.logger.Info().Int("removed", removed).Msg("expiry sweep completed")
			}
		}
	}
}

func (m *Monitor) runCycleLogged(ctx context.Context) {
	result, err := m.RunCycle(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("monitoring cycle failed")
		return
	}
	m.logger.Info().
		Int("subsystems", len(result.Subsystems)).
		Int("processed", result.Processed()).
		Int("failed", result.Failed()).
		Dur("elapsed", result.FinishedAt.Sub(result.StartedAt)).
		Msg("monitoring cycle completed")
}

// RunCycle polls every monitored subsystem once. It returns an error only
// when the subsystem list itself cannot be determined; per-subsystem
// failures are recorded in the result.
func (m *Monitor) RunCycle(ctx context.Context) (*Result, error) {
	result := &Result{StartedAt: time.Now().UTC()}

	names, err := m.monitoredSubsystems(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		result.Subsystems = append(result.Subsystems, m.pollSubsystem(ctx, name))
	}

	result.FinishedAt = time.Now().UTC()
	return result, nil
}

// monitoredSubsystems merges the subscribed set with the statically
// configured extras, deduplicated and sorted.
func (m *Monitor) monitoredSubsystems(ctx context.Context) ([]string, error) {
	subscribed, err := m.subsystems.ListSubscribed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed subsystems: %w", err)
	}

	seen := make(map[string]bool, len(subscribed))
	names := make([]string, 0, len(subscribed)+len(m.cfg.ManualSubsystems))
	for _, name := range subscribed {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, name := range m.cfg.ManualSubsystems {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Monitor) pollSubsystem(ctx context.Context, name string) SubsystemResult {
	res := SubsystemResult{Subsystem: name}
	feedURL := fmt.Sprintf(m.cfg.FeedURLTemplate, name)
	logger := logging.WithSubsystem(name)

	entries, err := m.source.Fetch(ctx, name, feedURL)
	if err != nil {
		logger.Error().Err(err).
			Str("feed_url", feedURL).
			Msg("feed fetch failed")
		res.Err = err.Error()
		return res
	}

	if max := m.cfg.MaxEntriesPerCycle; max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	res.Fetched = len(entries)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := m.ingestEntry(ctx, name, entry); err != nil {
			res.Failed++
			logger.Error().Err(err).
				Str("message_id_header", entry.MessageIDHeader).
				Msg("failed to process feed entry")
			continue
		}
		res.Processed++
	}
	return res
}

// ingestEntry classifies and persists one entry, then runs it through the
// lifecycle processor. Re-ingesting a seen entry is a no-op downstream.
func (m *Monitor) ingestEntry(ctx context.Context, subsystem string, entry Entry) error {
	if entry.MessageIDHeader == "" {
		return fmt.Errorf("feed entry has no message_id_header")
	}

	msg := &models.FeedMessage{
		SubsystemName:   subsystem,
		MessageIDHeader: entry.MessageIDHeader,
		MessageID:       entry.MessageID,
		InReplyToHeader: entry.InReplyToHeader,
		Subject:         entry.Subject,
		Author:          entry.Author,
		AuthorEmail:     entry.AuthorEmail,
		Content:         entry.Content,
		URL:             entry.URL,
		ReceivedAt:      entry.ReceivedAt,
	}

	c := classify.Classify(entry.Subject)
	c.ApplyTo(msg)
	msg.SeriesMessageID = deriveSeriesMessageID(msg, c)

	stored, err := m.messages.CreateOrUpdate(ctx, msg)
	if err != nil {
		return err
	}
	return m.processor.ProcessMessage(ctx, stored, c)
}

// deriveSeriesMessageID determines the series root for a classified patch.
// A cover letter roots its own series; a sub-patch points at the message it
// replies to, which by list convention is the cover letter.
func deriveSeriesMessageID(msg *models.FeedMessage, c classify.Classification) string {
	if !c.IsPatch || c.IsReply || !c.IsSeriesPatch {
		return ""
	}
	if c.IsCoverLetter {
		return resolve.ExtractMessageID(msg.MessageIDHeader)
	}
	if msg.InReplyToHeader == "" {
		return ""
	}
	return resolve.ExtractMessageID(msg.InReplyToHeader)
}
