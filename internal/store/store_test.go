package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikolajve/faultline/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "faultline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertStructured(t *testing.T, s *Store, fp string, createdAt time.Time) models.StructuredFailure {
	t.Helper()
	ctx := context.Background()

	raw := models.RawFailure{Message: "boom", Kind: "CarrierException", CreatedAt: createdAt}
	require.NoError(t, s.InsertRawFailure(ctx, &raw))

	carrier := models.CarrierGLS
	sf := models.StructuredFailure{
		RawID:        raw.ID,
		Carrier:      &carrier,
		Internal:     false,
		Severity:     models.SeverityHigh,
		ShortMessage: "carrier timeout",
		LongMessage:  "CarrierException in CarrierService line 142",
		File:         "CarrierService",
		Line:         "142",
		Fingerprint:  fp,
		CreatedAt:    createdAt,
	}
	require.NoError(t, s.InsertStructuredFailure(ctx, &sf))
	return sf
}

func TestInsertAndListUnlinked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertStructured(t, s, "GLS-CarrierService-142", now)
	insertStructured(t, s, "GLS-CarrierService-142", now)
	insertStructured(t, s, "DAO-LabelService-88", now)

	records, err := s.ListUnlinkedSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 3)

	matching, err := s.ListUnlinkedByFingerprintSince(ctx, "GLS-CarrierService-142", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, matching, 2)
}

func TestListUnlinkedExcludesUnfingerprintedRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	raw := models.RawFailure{Message: "boom", Kind: "RuntimeError", CreatedAt: now}
	require.NoError(t, s.InsertRawFailure(ctx, &raw))

	// Classified but without a carrier: no fingerprint, never aggregated.
	sf := models.StructuredFailure{
		RawID:        raw.ID,
		Severity:     models.SeverityLow,
		ShortMessage: "syntax error",
		LongMessage:  "RuntimeError with no carrier",
		CreatedAt:    now,
	}
	require.NoError(t, s.InsertStructuredFailure(ctx, &sf))

	records, err := s.ListUnlinkedSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListUnlinkedHonorsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertStructured(t, s, "GLS-CarrierService-142", now.Add(-time.Hour))
	insertStructured(t, s, "GLS-CarrierService-142", now)

	records, err := s.ListUnlinkedSince(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreateIssueUniquePerFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := &models.RepetitiveIssue{
		Fingerprint:     "GLS-CarrierService-142",
		ShortMessage:    "carrier timeout",
		OccurrenceCount: 5,
		Severity:        models.SeverityHigh,
		Carrier:         models.CarrierGLS,
	}
	require.NoError(t, s.CreateIssue(ctx, issue))
	assert.NotZero(t, issue.ID)

	dup := &models.RepetitiveIssue{
		Fingerprint: "GLS-CarrierService-142",
		Severity:    models.SeverityHigh,
		Carrier:     models.CarrierGLS,
	}
	err := s.CreateIssue(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateIssue)

	// A solved issue does not block a new unsolved one for the fingerprint.
	require.NoError(t, s.MarkIssueSolved(ctx, issue.ID))
	require.NoError(t, s.CreateIssue(ctx, dup))
	assert.NotEqual(t, issue.ID, dup.ID)
}

func TestFindUnsolvedByFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	found, err := s.FindUnsolvedByFingerprint(ctx, "GLS-CarrierService-142")
	require.NoError(t, err)
	assert.Nil(t, found)

	issue := &models.RepetitiveIssue{
		Fingerprint: "GLS-CarrierService-142",
		Severity:    models.SeverityHigh,
		Carrier:     models.CarrierGLS,
	}
	require.NoError(t, s.CreateIssue(ctx, issue))

	found, err = s.FindUnsolvedByFingerprint(ctx, "GLS-CarrierService-142")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, issue.ID, found.ID)
	assert.False(t, found.Solved)

	require.NoError(t, s.MarkIssueSolved(ctx, issue.ID))
	found, err = s.FindUnsolvedByFingerprint(ctx, "GLS-CarrierService-142")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestLinkUnlinkedClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	windowStart := now.Add(-5 * time.Minute)

	insertStructured(t, s, "GLS-CarrierService-142", now)
	insertStructured(t, s, "GLS-CarrierService-142", now)

	issue := &models.RepetitiveIssue{
		Fingerprint: "GLS-CarrierService-142",
		Severity:    models.SeverityHigh,
		Carrier:     models.CarrierGLS,
	}
	require.NoError(t, s.CreateIssue(ctx, issue))

	linked, err := s.LinkUnlinked(ctx, "GLS-CarrierService-142", issue.ID, windowStart)
	require.NoError(t, err)
	assert.EqualValues(t, 2, linked)

	// Second claim finds nothing left; already-linked rows keep their link.
	other := &models.RepetitiveIssue{
		Fingerprint: "DAO-LabelService-88",
		Severity:    models.SeverityLow,
		Carrier:     models.CarrierDAO,
	}
	require.NoError(t, s.CreateIssue(ctx, other))
	linked, err = s.LinkUnlinked(ctx, "GLS-CarrierService-142", other.ID, windowStart)
	require.NoError(t, err)
	assert.Zero(t, linked)

	records, err := s.ListUnlinkedByFingerprintSince(ctx, "GLS-CarrierService-142", windowStart)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestIncrementIssueCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := &models.RepetitiveIssue{
		Fingerprint:     "GLS-CarrierService-142",
		OccurrenceCount: 5,
		Severity:        models.SeverityHigh,
		Carrier:         models.CarrierGLS,
	}
	require.NoError(t, s.CreateIssue(ctx, issue))
	require.NoError(t, s.IncrementIssueCount(ctx, issue.ID, 2))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 7, got.OccurrenceCount)

	// Solved issues are never incremented.
	require.NoError(t, s.MarkIssueSolved(ctx, issue.ID))
	require.NoError(t, s.IncrementIssueCount(ctx, issue.ID, 3))
	got, err = s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.OccurrenceCount)
}

func TestMarkIssueSolvedIsOneWay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := &models.RepetitiveIssue{
		Fingerprint: "GLS-CarrierService-142",
		Severity:    models.SeverityHigh,
		Carrier:     models.CarrierGLS,
	}
	require.NoError(t, s.CreateIssue(ctx, issue))
	require.NoError(t, s.MarkIssueSolved(ctx, issue.ID))
	require.NoError(t, s.MarkIssueSolved(ctx, issue.ID)) // idempotent

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, got.Solved)

	unsolved, err := s.ListUnsolvedIssues(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsolved)
}

func TestHasUnlinkedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	has, err := s.HasUnlinkedSince(ctx, "GLS-CarrierService-142", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, has)

	insertStructured(t, s, "GLS-CarrierService-142", now.Add(-30*time.Minute))

	has, err = s.HasUnlinkedSince(ctx, "GLS-CarrierService-142", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, has)

	// Outside the lookback it does not count.
	has, err = s.HasUnlinkedSince(ctx, "GLS-CarrierService-142", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestListRawUnclassifiedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	raw := models.RawFailure{Message: "boom", Kind: "CarrierException", CreatedAt: now}
	require.NoError(t, s.InsertRawFailure(ctx, &raw))

	unclassified, err := s.ListRawUnclassifiedSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, unclassified, 1)
	assert.Equal(t, raw.ID, unclassified[0].ID)

	carrier := models.CarrierGLS
	sf := models.StructuredFailure{
		RawID:       raw.ID,
		Carrier:     &carrier,
		Severity:    models.SeverityHigh,
		Fingerprint: "GLS-CarrierService-142",
		CreatedAt:   now,
	}
	require.NoError(t, s.InsertStructuredFailure(ctx, &sf))

	unclassified, err = s.ListRawUnclassifiedSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, unclassified)
}
