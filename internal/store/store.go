// Package store provides durable storage for the failure pipeline using
// SQLite. It is the only component that touches the database; everything else
// goes through the narrow repository surface defined here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/nikolajve/faultline/internal/models"
)

// ErrDuplicateIssue is returned by CreateIssue when an unsolved issue already
// exists for the fingerprint. The partial unique index on
// repetitive_issues(fingerprint) enforces this at the storage layer, so two
// overlapping aggregation passes can never both create one.
var ErrDuplicateIssue = errors.New("unsolved issue already exists for fingerprint")

// Store provides persistent storage for failures and issues.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL mode for better concurrent access
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Failure store initialized")
	return s, nil
}

// initSchema creates the database schema if it doesn't exist
func (s *Store) initSchema() error {
	schema := `
		-- Raw failures as reported by the host application, append-only
		CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message TEXT NOT NULL,
			kind TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT '',
			file TEXT NOT NULL DEFAULT '',
			line INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			stack_trace TEXT NOT NULL DEFAULT '',
			user_id INTEGER,
			user_email TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_failures_created
			ON failures(created_at);

		-- Aggregated recurring defects
		CREATE TABLE IF NOT EXISTS repetitive_issues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			solved INTEGER NOT NULL DEFAULT 0,
			short_message TEXT NOT NULL DEFAULT '',
			detailed_message TEXT NOT NULL DEFAULT '',
			occurrence_count INTEGER NOT NULL DEFAULT 0,
			internal INTEGER NOT NULL DEFAULT 0,
			severity TEXT NOT NULL,
			carrier TEXT NOT NULL DEFAULT 'NONE',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		-- At most one unsolved issue per fingerprint; solved episodes may repeat
		CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_unsolved_fingerprint
			ON repetitive_issues(fingerprint) WHERE solved = 0;

		-- One row per successfully classified failure
		CREATE TABLE IF NOT EXISTS structured_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			raw_id INTEGER NOT NULL REFERENCES failures(id),
			user_id INTEGER,
			carrier TEXT,
			internal INTEGER NOT NULL DEFAULT 0,
			severity TEXT NOT NULL,
			short_message TEXT NOT NULL DEFAULT '',
			long_message TEXT NOT NULL DEFAULT '',
			file TEXT NOT NULL DEFAULT '',
			line TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			fingerprint TEXT,
			issue_id INTEGER REFERENCES repetitive_issues(id),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_structured_fingerprint
			ON structured_failures(fingerprint, issue_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_structured_raw
			ON structured_failures(raw_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRawFailure persists a raw failure and fills in its assigned ID.
func (s *Store) InsertRawFailure(ctx context.Context, raw *models.RawFailure) error {
	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (message, kind, code, file, line, url, hostname, stack_trace,
			user_id, user_email, session_id, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		raw.Message, raw.Kind, raw.Code, raw.File, raw.Line, raw.URL, raw.Hostname,
		raw.StackTrace, raw.UserID, raw.UserEmail, raw.SessionID, raw.Level,
		raw.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert raw failure: %w", err)
	}
	raw.ID, err = res.LastInsertId()
	return err
}

// InsertStructuredFailure persists a classified failure and fills in its ID.
func (s *Store) InsertStructuredFailure(ctx context.Context, sf *models.StructuredFailure) error {
	now := time.Now().UTC()
	if sf.CreatedAt.IsZero() {
		sf.CreatedAt = now
	}
	if sf.UpdatedAt.IsZero() {
		sf.UpdatedAt = sf.CreatedAt
	}
	var carrier any
	if sf.Carrier != nil {
		carrier = string(*sf.Carrier)
	}
	var fp any
	if sf.Fingerprint != "" {
		fp = sf.Fingerprint
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO structured_failures (raw_id, user_id, carrier, internal, severity,
			short_message, long_message, file, line, code, fingerprint, issue_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		sf.RawID, sf.UserID, carrier, boolToInt(sf.Internal), string(sf.Severity),
		sf.ShortMessage, sf.LongMessage, sf.File, sf.Line, sf.Code, fp,
		sf.CreatedAt.UnixNano(), sf.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert structured failure: %w", err)
	}
	sf.ID, err = res.LastInsertId()
	return err
}

// ListRawUnclassifiedSince returns raw failures created after since that have
// no structured record yet. Used by the classification backfill.
func (s *Store) ListRawUnclassifiedSince(ctx context.Context, since time.Time) ([]models.RawFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.message, f.kind, f.code, f.file, f.line, f.url, f.hostname,
			f.stack_trace, f.user_id, f.user_email, f.session_id, f.level, f.created_at
		FROM failures f
		LEFT JOIN structured_failures sf ON sf.raw_id = f.id
		WHERE sf.id IS NULL AND f.created_at > ?
		ORDER BY f.id`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unclassified failures: %w", err)
	}
	defer rows.Close()

	var out []models.RawFailure
	for rows.Next() {
		var raw models.RawFailure
		var createdAt int64
		if err := rows.Scan(&raw.ID, &raw.Message, &raw.Kind, &raw.Code, &raw.File,
			&raw.Line, &raw.URL, &raw.Hostname, &raw.StackTrace, &raw.UserID,
			&raw.UserEmail, &raw.SessionID, &raw.Level, &createdAt); err != nil {
			return nil, err
		}
		raw.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, raw)
	}
	return out, rows.Err()
}

// ListUnlinkedSince returns structured failures created after since that carry
// a fingerprint and are not yet linked to any issue.
func (s *Store) ListUnlinkedSince(ctx context.Context, since time.Time) ([]models.StructuredFailure, error) {
	return s.queryStructured(ctx, `
		WHERE fingerprint IS NOT NULL AND issue_id IS NULL AND created_at > ?
		ORDER BY id`,
		since.UnixNano())
}

// ListUnlinkedByFingerprintSince returns the unlinked, in-window structured
// failures for one fingerprint.
func (s *Store) ListUnlinkedByFingerprintSince(ctx context.Context, fp string, since time.Time) ([]models.StructuredFailure, error) {
	return s.queryStructured(ctx, `
		WHERE fingerprint = ? AND issue_id IS NULL AND created_at > ?
		ORDER BY id`,
		fp, since.UnixNano())
}

// HasUnlinkedSince reports whether any unlinked structured failure with the
// fingerprint was created after since.
func (s *Store) HasUnlinkedSince(ctx context.Context, fp string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM structured_failures
		WHERE fingerprint = ? AND issue_id IS NULL AND created_at > ?
		LIMIT 1`,
		fp, since.UnixNano(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check recent failures: %w", err)
	}
	return true, nil
}

func (s *Store) queryStructured(ctx context.Context, where string, args ...any) ([]models.StructuredFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, raw_id, user_id, carrier, internal, severity, short_message,
			long_message, file, line, code, fingerprint, issue_id, created_at, updated_at
		FROM structured_failures `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query structured failures: %w", err)
	}
	defer rows.Close()

	var out []models.StructuredFailure
	for rows.Next() {
		sf, err := scanStructured(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

func scanStructured(rows *sql.Rows) (models.StructuredFailure, error) {
	var sf models.StructuredFailure
	var carrier, fp sql.NullString
	var internal int
	var severity string
	var issueID sql.NullInt64
	var createdAt, updatedAt int64

	if err := rows.Scan(&sf.ID, &sf.RawID, &sf.UserID, &carrier, &internal, &severity,
		&sf.ShortMessage, &sf.LongMessage, &sf.File, &sf.Line, &sf.Code, &fp,
		&issueID, &createdAt, &updatedAt); err != nil {
		return sf, err
	}

	if carrier.Valid {
		c := models.Carrier(carrier.String)
		sf.Carrier = &c
	}
	sf.Internal = internal != 0
	sf.Severity = models.Severity(severity)
	if fp.Valid {
		sf.Fingerprint = fp.String
	}
	if issueID.Valid {
		id := issueID.Int64
		sf.IssueID = &id
	}
	sf.CreatedAt = time.Unix(0, createdAt).UTC()
	sf.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return sf, nil
}

// FindUnsolvedByFingerprint returns the unsolved issue for a fingerprint, or
// nil when none exists.
func (s *Store) FindUnsolvedByFingerprint(ctx context.Context, fp string) (*models.RepetitiveIssue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, solved, short_message, detailed_message,
			occurrence_count, internal, severity, carrier, created_at, updated_at
		FROM repetitive_issues
		WHERE fingerprint = ? AND solved = 0`,
		fp,
	)
	issue, err := scanIssueRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find unsolved issue: %w", err)
	}
	return issue, nil
}

// GetIssue returns one issue by ID, or nil when it does not exist.
func (s *Store) GetIssue(ctx context.Context, id int64) (*models.RepetitiveIssue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, solved, short_message, detailed_message,
			occurrence_count, internal, severity, carrier, created_at, updated_at
		FROM repetitive_issues WHERE id = ?`,
		id,
	)
	issue, err := scanIssueRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return issue, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssueRow(row rowScanner) (*models.RepetitiveIssue, error) {
	var issue models.RepetitiveIssue
	var solved, internal int
	var severity, carrier string
	var createdAt, updatedAt int64

	if err := row.Scan(&issue.ID, &issue.Fingerprint, &solved, &issue.ShortMessage,
		&issue.DetailedMessage, &issue.OccurrenceCount, &internal, &severity,
		&carrier, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	issue.Solved = solved != 0
	issue.Internal = internal != 0
	issue.Severity = models.Severity(severity)
	issue.Carrier = models.Carrier(carrier)
	issue.CreatedAt = time.Unix(0, createdAt).UTC()
	issue.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &issue, nil
}

// CreateIssue inserts a new unsolved issue. Returns ErrDuplicateIssue when an
// unsolved issue for the fingerprint already exists.
func (s *Store) CreateIssue(ctx context.Context, issue *models.RepetitiveIssue) error {
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = issue.CreatedAt
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repetitive_issues (fingerprint, solved, short_message, detailed_message,
			occurrence_count, internal, severity, carrier, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.Fingerprint, issue.ShortMessage, issue.DetailedMessage,
		issue.OccurrenceCount, boolToInt(issue.Internal), string(issue.Severity),
		string(issue.Carrier), issue.CreatedAt.UnixNano(), issue.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIssue
		}
		return fmt.Errorf("failed to create issue: %w", err)
	}
	issue.ID, err = res.LastInsertId()
	return err
}

// IncrementIssueCount adds delta occurrences to an unsolved issue. The count
// only ever grows; solved issues are never touched.
func (s *Store) IncrementIssueCount(ctx context.Context, issueID, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repetitive_issues
		SET occurrence_count = occurrence_count + ?, updated_at = ?
		WHERE id = ? AND solved = 0`,
		delta, time.Now().UTC().UnixNano(), issueID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment occurrence count: %w", err)
	}
	return nil
}

// LinkUnlinked claims every unlinked, in-window structured failure with the
// fingerprint for the issue. Rows already claimed by a concurrent pass keep
// their link; the update is idempotent. Returns the number of rows claimed.
func (s *Store) LinkUnlinked(ctx context.Context, fp string, issueID int64, since time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE structured_failures
		SET issue_id = ?, updated_at = ?
		WHERE fingerprint = ? AND issue_id IS NULL AND created_at > ?`,
		issueID, time.Now().UTC().UnixNano(), fp, since.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to link structured failures: %w", err)
	}
	return res.RowsAffected()
}

// ListUnsolvedIssues returns all unsolved issues.
func (s *Store) ListUnsolvedIssues(ctx context.Context) ([]models.RepetitiveIssue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, solved, short_message, detailed_message,
			occurrence_count, internal, severity, carrier, created_at, updated_at
		FROM repetitive_issues
		WHERE solved = 0
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsolved issues: %w", err)
	}
	defer rows.Close()

	var out []models.RepetitiveIssue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *issue)
	}
	return out, rows.Err()
}

// ListIssuesByFingerprint returns all issues for a fingerprint, solved or not.
func (s *Store) ListIssuesByFingerprint(ctx context.Context, fp string) ([]models.RepetitiveIssue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, solved, short_message, detailed_message,
			occurrence_count, internal, severity, carrier, created_at, updated_at
		FROM repetitive_issues
		WHERE fingerprint = ?
		ORDER BY id`, fp)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var out []models.RepetitiveIssue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *issue)
	}
	return out, rows.Err()
}

// MarkIssueSolved flips an unsolved issue to solved. The transition is one-way:
// a solved issue is never reverted.
func (s *Store) MarkIssueSolved(ctx context.Context, issueID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repetitive_issues
		SET solved = 1, updated_at = ?
		WHERE id = ? AND solved = 0`,
		time.Now().UTC().UnixNano(), issueID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark issue solved: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
