package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikolajve/faultline/internal/models"
	"github.com/nikolajve/faultline/internal/store"
)

func createIssue(t *testing.T, s *store.Store, fp string) *models.RepetitiveIssue {
	t.Helper()
	issue := &models.RepetitiveIssue{
		Fingerprint:     fp,
		ShortMessage:    "carrier timeout",
		OccurrenceCount: 5,
		Severity:        models.SeverityHigh,
		Carrier:         models.CarrierGLS,
	}
	require.NoError(t, s.CreateIssue(context.Background(), issue))
	return issue
}

func TestSweepResolvesStaleIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := createIssue(t, s, "GLS-CarrierService-142")

	// No occurrences at all inside the staleness window, quiet window elapsed.
	sweeper := NewSweeper(s, SweeperOptions{
		StalenessWindow: time.Hour,
		QuietWindow:     0,
	})
	require.NoError(t, sweeper.Run(ctx))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, got.Solved)
}

func TestSweepKeepsIssueWithRecentOccurrences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	issue := createIssue(t, s, "GLS-CarrierService-142")
	seedFailures(t, s, "GLS-CarrierService-142", models.CarrierGLS, 1, now.Add(-10*time.Minute))

	sweeper := NewSweeper(s, SweeperOptions{
		StalenessWindow: time.Hour,
		QuietWindow:     0,
	})
	require.NoError(t, sweeper.Run(ctx))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.False(t, got.Solved)
}

func TestSweepHonorsQuietWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Just created, so updated_at is fresh; the quiet window keeps it open
	// even though no occurrence record exists.
	issue := createIssue(t, s, "GLS-CarrierService-142")

	sweeper := NewSweeper(s, SweeperOptions{
		StalenessWindow: time.Hour,
		QuietWindow:     30 * time.Minute,
	})
	require.NoError(t, sweeper.Run(ctx))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.False(t, got.Solved)
}

func TestSweepNeverRevertsSolvedIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	issue := createIssue(t, s, "GLS-CarrierService-142")
	require.NoError(t, s.MarkIssueSolved(ctx, issue.ID))

	// A recurrence after solving must not touch the solved row.
	seedFailures(t, s, "GLS-CarrierService-142", models.CarrierGLS, 1, now)

	sweeper := NewSweeper(s, SweeperOptions{
		StalenessWindow: time.Hour,
		QuietWindow:     0,
	})
	require.NoError(t, sweeper.Run(ctx))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, got.Solved)
}

func TestSweepHandlesMixedIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := createIssue(t, s, "GLS-CarrierService-142")

	active := &models.RepetitiveIssue{
		Fingerprint: "DAO-LabelService-88",
		Severity:    models.SeverityLow,
		Carrier:     models.CarrierDAO,
	}
	require.NoError(t, s.CreateIssue(ctx, active))
	seedFailures(t, s, "DAO-LabelService-88", models.CarrierDAO, 1, now)

	sweeper := NewSweeper(s, SweeperOptions{
		StalenessWindow: time.Hour,
		QuietWindow:     0,
	})
	require.NoError(t, sweeper.Run(ctx))

	got, err := s.GetIssue(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, got.Solved)

	got, err = s.GetIssue(ctx, active.ID)
	require.NoError(t, err)
	assert.False(t, got.Solved)
}
