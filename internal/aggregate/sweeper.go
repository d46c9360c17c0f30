package aggregate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SweeperOptions carries the resolution tunables. The staleness window is
// deliberately independent of the engine's occurrence window; the two are
// configured per call site and typically differ by orders of magnitude.
type SweeperOptions struct {
	StalenessWindow time.Duration
	QuietWindow     time.Duration
}

// Sweeper retires unsolved issues that have stopped occurring. Solving is a
// one-way transition; a solved issue is never revisited, and a later
// recurrence of its fingerprint becomes a new issue on the next engine pass.
type Sweeper struct {
	repo Repository
	opts SweeperOptions
}

// NewSweeper creates a resolution sweeper.
func NewSweeper(repo Repository, opts SweeperOptions) *Sweeper {
	return &Sweeper{repo: repo, opts: opts}
}

// Run executes one resolution pass over all unsolved issues. Per-issue errors
// are logged and skipped; the issue stays unsolved and is rechecked next pass.
func (s *Sweeper) Run(ctx context.Context) error {
	metrics := GetPipelineMetrics()
	started := time.Now()
	defer func() {
		metrics.runDuration.WithLabelValues("resolve").Observe(time.Since(started).Seconds())
	}()

	issues, err := s.repo.ListUnsolvedIssues(ctx)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		log.Debug().Msg("Resolution pass found no unsolved issues")
		return nil
	}

	now := time.Now()
	staleBefore := now.Add(-s.opts.StalenessWindow)
	quietBefore := now.Add(-s.opts.QuietWindow)

	resolved := 0
	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return err
		}

		recent, err := s.repo.HasUnlinkedSince(ctx, issue.Fingerprint, staleBefore)
		if err != nil {
			metrics.runErrors.WithLabelValues("resolve").Inc()
			log.Error().Err(err).Str("fingerprint", issue.Fingerprint).Msg("Skipping issue this sweep")
			continue
		}
		if recent || issue.UpdatedAt.After(quietBefore) {
			continue
		}

		if err := s.repo.MarkIssueSolved(ctx, issue.ID); err != nil {
			metrics.runErrors.WithLabelValues("resolve").Inc()
			log.Error().Err(err).Str("fingerprint", issue.Fingerprint).Msg("Failed to mark issue solved")
			continue
		}

		resolved++
		metrics.issuesResolved.Inc()
		log.Info().
			Str("fingerprint", issue.Fingerprint).
			Int64("issueId", issue.ID).
			Int64("occurrences", issue.OccurrenceCount).
			Msg("Repetitive issue resolved")
	}

	if resolved > 0 {
		log.Info().Int("resolved", resolved).Int("checked", len(issues)).Msg("Resolution pass finished")
	}
	return nil
}
