// Package aggregate turns streams of classified failures into repetitive
// issues. The Engine runs the periodic grouping pass; the Sweeper retires
// issues that have gone quiet.
package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nikolajve/faultline/internal/ai"
	pipelineerrors "github.com/nikolajve/faultline/internal/errors"
	"github.com/nikolajve/faultline/internal/models"
	"github.com/nikolajve/faultline/internal/store"
)

// Repository is the persistence surface the engine and sweeper need.
// *store.Store satisfies it.
type Repository interface {
	ListUnlinkedSince(ctx context.Context, since time.Time) ([]models.StructuredFailure, error)
	ListUnlinkedByFingerprintSince(ctx context.Context, fp string, since time.Time) ([]models.StructuredFailure, error)
	HasUnlinkedSince(ctx context.Context, fp string, since time.Time) (bool, error)
	FindUnsolvedByFingerprint(ctx context.Context, fp string) (*models.RepetitiveIssue, error)
	GetIssue(ctx context.Context, id int64) (*models.RepetitiveIssue, error)
	CreateIssue(ctx context.Context, issue *models.RepetitiveIssue) error
	IncrementIssueCount(ctx context.Context, issueID, delta int64) error
	LinkUnlinked(ctx context.Context, fp string, issueID int64, since time.Time) (int64, error)
	ListUnsolvedIssues(ctx context.Context) ([]models.RepetitiveIssue, error)
	MarkIssueSolved(ctx context.Context, issueID int64) error
}

// Combiner merges the per-field values of a fingerprint group into one
// canonical tuple. *ai.Classifier satisfies it.
type Combiner interface {
	Combine(ctx context.Context, in ai.CombineInput) ai.Combined
}

// Notifier delivers a newly created issue. *notifications.Manager satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, issue models.RepetitiveIssue)
}

// Options carries the aggregation tunables.
type Options struct {
	OccurrenceWindow   time.Duration
	PromotionThreshold int
}

// Engine is the aggregation state machine. Safe for concurrent Run calls: the
// per-fingerprint critical section plus the storage-level uniqueness
// constraint guarantee a fingerprint never gains two unsolved issues.
type Engine struct {
	repo     Repository
	combiner Combiner
	notifier Notifier
	opts     Options

	mu    sync.Mutex
	locks map[string]*fingerprintLock // per-fingerprint critical sections
}

// fingerprintLock is a reference-counted mutex entry. The count lets the map
// drop entries as soon as no pass holds or waits on them, so the map stays
// bounded by the in-flight fingerprints rather than every fingerprint ever
// seen.
type fingerprintLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates an aggregation engine.
func NewEngine(repo Repository, combiner Combiner, notifier Notifier, opts Options) *Engine {
	return &Engine{
		repo:     repo,
		combiner: combiner,
		notifier: notifier,
		opts:     opts,
		locks:    make(map[string]*fingerprintLock),
	}
}

// lockFingerprint acquires the mutex serializing check-then-create for one
// fingerprint within this process. Cross-process overlap is covered by the
// unique index behind store.ErrDuplicateIssue.
func (e *Engine) lockFingerprint(fp string) *fingerprintLock {
	e.mu.Lock()
	l, ok := e.locks[fp]
	if !ok {
		l = &fingerprintLock{}
		e.locks[fp] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Engine) unlockFingerprint(fp string, l *fingerprintLock) {
	l.mu.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, fp)
	}
	e.mu.Unlock()
}

// Run executes one aggregation pass over the occurrence window. Individual
// fingerprint groups that fail are logged and skipped; their records stay
// unlinked and are retried on the next pass.
func (e *Engine) Run(ctx context.Context) error {
	metrics := GetPipelineMetrics()
	started := time.Now()
	defer func() {
		metrics.runDuration.WithLabelValues("aggregate").Observe(time.Since(started).Seconds())
	}()

	windowStart := time.Now().Add(-e.opts.OccurrenceWindow)

	records, err := e.repo.ListUnlinkedSince(ctx, windowStart)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		log.Debug().Msg("Aggregation pass found no unlinked failures")
		return nil
	}

	// Group by fingerprint, preserving first-seen order for stable logs
	counts := make(map[string]int, len(records))
	var order []string
	for _, rec := range records {
		if counts[rec.Fingerprint] == 0 {
			order = append(order, rec.Fingerprint)
		}
		counts[rec.Fingerprint]++
	}

	log.Info().
		Int("records", len(records)).
		Int("fingerprints", len(order)).
		Msg("Aggregation pass started")

	for _, fp := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.processGroup(ctx, fp, counts[fp], windowStart); err != nil {
			metrics.runErrors.WithLabelValues("aggregate").Inc()
			perr := pipelineerrors.New(pipelineerrors.ErrorTypeStorage, "aggregate", err).WithFingerprint(fp)
			log.Error().Err(perr).Str("fingerprint", fp).Msg("Skipping fingerprint group this pass")
		}
	}

	return nil
}

// processGroup applies the promotion rules to one fingerprint group.
func (e *Engine) processGroup(ctx context.Context, fp string, count int, windowStart time.Time) error {
	metrics := GetPipelineMetrics()

	issue, err := e.repo.FindUnsolvedByFingerprint(ctx, fp)
	if err != nil {
		return err
	}

	// Promote at the threshold, or keep absorbing occurrences into an issue
	// that already exists even below it.
	if issue == nil && count < e.opts.PromotionThreshold {
		metrics.groupsSkipped.Inc()
		log.Debug().
			Str("fingerprint", fp).
			Int("count", count).
			Int("threshold", e.opts.PromotionThreshold).
			Msg("Group below promotion threshold")
		return nil
	}

	// The merge-combine call talks to the inference backend, so it must finish
	// before the critical section; no lock is held across I/O. The re-query
	// also picks up records that arrived after the grouping step.
	var combined ai.Combined
	haveCombined := false
	if issue == nil {
		group, err := e.repo.ListUnlinkedByFingerprintSince(ctx, fp, windowStart)
		if err != nil {
			return err
		}
		if len(group) == 0 {
			// A concurrent pass claimed everything in the meantime.
			return nil
		}
		combined = e.combiner.Combine(ctx, combineInput(group))
		haveCombined = true
	}

	lock := e.lockFingerprint(fp)
	defer e.unlockFingerprint(fp, lock)

	// Re-check inside the critical section: since the first look a concurrent
	// pass may have created the issue, or the sweeper may have solved it.
	issue, err = e.repo.FindUnsolvedByFingerprint(ctx, fp)
	if err != nil {
		return err
	}

	created := false
	if issue == nil && !haveCombined {
		// The issue was solved between the check and the lock. Leave the
		// records unlinked; the next pass starts a fresh episode.
		return nil
	}
	if issue == nil {
		issue = &models.RepetitiveIssue{
			Fingerprint:     fp,
			ShortMessage:    combined.ShortMessage,
			DetailedMessage: combined.DetailedMessage,
			Internal:        combined.Internal,
			Severity:        combined.Severity,
			Carrier:         combined.Carrier,
		}
		err = e.repo.CreateIssue(ctx, issue)
		if errors.Is(err, store.ErrDuplicateIssue) {
			// Lost the race to another process; extend its issue instead.
			issue, err = e.repo.FindUnsolvedByFingerprint(ctx, fp)
			if err != nil {
				return err
			}
			if issue == nil {
				return store.ErrDuplicateIssue
			}
		} else if err != nil {
			return err
		} else {
			created = true
		}
	}

	// Claim-once linking: only rows whose link is still empty are taken, so a
	// record claimed by a concurrent pass is never linked twice or lost. The
	// occurrence count grows by exactly the rows claimed here.
	linked, err := e.repo.LinkUnlinked(ctx, fp, issue.ID, windowStart)
	if err != nil {
		return err
	}
	if linked > 0 {
		if err := e.repo.IncrementIssueCount(ctx, issue.ID, linked); err != nil {
			return err
		}
		metrics.recordsLinked.Add(float64(linked))
	}

	if created {
		metrics.issuesCreated.Inc()
		log.Info().
			Str("fingerprint", fp).
			Int64("issueId", issue.ID).
			Int64("occurrences", linked).
			Str("severity", string(issue.Severity)).
			Msg("Repetitive issue created")

		// Notify with the stored state, count included.
		if fresh, err := e.repo.GetIssue(ctx, issue.ID); err == nil && fresh != nil {
			issue = fresh
		}
		e.notifier.Dispatch(ctx, *issue)
	} else if linked > 0 {
		metrics.issuesExtended.Inc()
		log.Info().
			Str("fingerprint", fp).
			Int64("issueId", issue.ID).
			Int64("newOccurrences", linked).
			Msg("Repetitive issue extended")
	}

	return nil
}

// combineInput collects the per-field value sequences of a group in record
// order, the order the majority-vote tie-break depends on.
func combineInput(group []models.StructuredFailure) ai.CombineInput {
	in := ai.CombineInput{
		ShortMessages:    make([]string, 0, len(group)),
		DetailedMessages: make([]string, 0, len(group)),
		Internal:         make([]bool, 0, len(group)),
		Severities:       make([]models.Severity, 0, len(group)),
		Carriers:         make([]models.Carrier, 0, len(group)),
	}
	for _, rec := range group {
		in.ShortMessages = append(in.ShortMessages, rec.ShortMessage)
		in.DetailedMessages = append(in.DetailedMessages, rec.LongMessage)
		in.Internal = append(in.Internal, rec.Internal)
		in.Severities = append(in.Severities, rec.Severity)
		carrier := models.CarrierNone
		if rec.Carrier != nil {
			carrier = *rec.Carrier
		}
		in.Carriers = append(in.Carriers, carrier)
	}
	return in
}
