// Package report is the ingestion entry point of the pipeline: it persists
// raw failures and drives their classification into structured records.
package report

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nikolajve/faultline/internal/ai"
	"github.com/nikolajve/faultline/internal/models"
)

// Classifier obtains structured judgments. *ai.Classifier satisfies it.
type Classifier interface {
	Classify(ctx context.Context, raw models.RawFailure) ai.Outcome
	Enabled() bool
}

// Repository is the persistence surface the reporter needs. *store.Store
// satisfies it.
type Repository interface {
	InsertRawFailure(ctx context.Context, raw *models.RawFailure) error
	InsertStructuredFailure(ctx context.Context, sf *models.StructuredFailure) error
	ListRawUnclassifiedSince(ctx context.Context, since time.Time) ([]models.RawFailure, error)
}

// Reporter ingests raw failures.
type Reporter struct {
	repo       Repository
	classifier Classifier
	enabled    bool // master switch; when off, Report stores nothing
}

// New creates a reporter.
func New(repo Repository, classifier Classifier, enabled bool) *Reporter {
	return &Reporter{repo: repo, classifier: classifier, enabled: enabled}
}

// Report persists the raw failure and attempts classification. Callers consume
// no return value: every failure mode past raw persistence degrades to "record
// stays unclassified", never to an error for the reporting host.
//
// The raw record is always stored (unless the whole pipeline is disabled); a
// structured record is stored only when classification succeeds. Records that
// never obtain one are invisible to aggregation.
func (r *Reporter) Report(ctx context.Context, raw models.RawFailure) error {
	if !r.enabled {
		log.Debug().Msg("Reporting disabled, dropping failure")
		return nil
	}

	logger := log.With().Str("reportId", uuid.NewString()).Logger()

	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = time.Now().UTC()
	}
	if err := r.repo.InsertRawFailure(ctx, &raw); err != nil {
		logger.Error().Err(err).Msg("Failed to store raw failure")
		return err
	}

	logger.Debug().
		Int64("rawId", raw.ID).
		Str("kind", raw.Kind).
		Str("hostname", raw.Hostname).
		Msg("Raw failure stored")

	r.classifyOne(ctx, raw)
	return nil
}

// classifyOne runs classification for one stored raw failure and persists the
// structured record on success. Disabled and no-result outcomes are normal;
// the raw record simply stays unclassified.
func (r *Reporter) classifyOne(ctx context.Context, raw models.RawFailure) bool {
	outcome := r.classifier.Classify(ctx, raw)
	switch outcome.Kind {
	case ai.OutcomeDisabled:
		log.Debug().Int64("rawId", raw.ID).Msg("Classification disabled, leaving failure unclassified")
		return false
	case ai.OutcomeNoResult:
		log.Warn().Err(outcome.Err).Int64("rawId", raw.ID).Msg("Classification produced no result")
		return false
	}

	sf := structuredFrom(raw.ID, outcome.Classification)
	if err := r.repo.InsertStructuredFailure(ctx, sf); err != nil {
		log.Error().Err(err).Int64("rawId", raw.ID).Msg("Failed to store structured failure")
		return false
	}

	log.Info().
		Int64("rawId", raw.ID).
		Int64("structuredId", sf.ID).
		Str("fingerprint", sf.Fingerprint).
		Str("severity", string(sf.Severity)).
		Msg("Failure classified")
	return true
}

func structuredFrom(rawID int64, c *ai.Classification) *models.StructuredFailure {
	return &models.StructuredFailure{
		RawID:        rawID,
		UserID:       c.UserID,
		Carrier:      c.Carrier,
		Internal:     c.Internal,
		Severity:     c.Severity,
		ShortMessage: c.ShortMessage,
		LongMessage:  c.LongMessage,
		File:         c.File,
		Line:         c.Line,
		Code:         c.Code,
		Fingerprint:  c.Fingerprint,
	}
}

// ClassifyBacklog classifies raw failures from the lookback window that have
// no structured record yet, e.g. because they were ingested while the backend
// was disabled or unreachable. A failing record is skipped, not fatal to its
// siblings. Returns the number of records classified.
func (r *Reporter) ClassifyBacklog(ctx context.Context, lookback time.Duration) (int, error) {
	if !r.classifier.Enabled() {
		log.Info().Msg("Classification disabled, nothing to backfill")
		return 0, nil
	}

	raws, err := r.repo.ListRawUnclassifiedSince(ctx, time.Now().Add(-lookback))
	if err != nil {
		return 0, err
	}

	classified := 0
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return classified, err
		}
		if r.classifyOne(ctx, raw) {
			classified++
		}
	}

	log.Info().Int("classified", classified).Int("candidates", len(raws)).Msg("Classification backfill finished")
	return classified, nil
}
