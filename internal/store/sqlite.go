package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/store"

// Config holds store settings.
type Config struct {
	// Path is the SQLite database file. Parent directories are created
	// on open.
	Path string
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		Path: "drover.db",
	}
}

type sqliteStore struct {
	config *Config
	conn   *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex

	tracer trace.Tracer
	meter  metric.Meter

	transitionCounter metric.Int64Counter
	archiveCounter    metric.Int64Counter
}

// New opens (creating if needed) the SQLite database at config.Path and
// applies pending schema migrations.
func New(config *Config, logger *zap.Logger) (Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand path %s: %w", config.Path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers unblocked during cycle writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &sqliteStore{
		config: config,
		conn:   conn,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	s.initMetrics()

	return s, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

func (s *sqliteStore) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1PipelineState},
		{2, migrationV2SubIssues},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1PipelineState = `
CREATE TABLE IF NOT EXISTS pipeline_state (
	issue_id         INTEGER PRIMARY KEY,
	repo             TEXT NOT NULL,
	stage            TEXT NOT NULL,
	entered_stage_at TEXT NOT NULL,
	last_advanced_at TEXT NOT NULL,
	stalled_from     TEXT NOT NULL DEFAULT '',
	stall_count      INTEGER NOT NULL DEFAULT 0,
	agent            TEXT NOT NULL DEFAULT '',
	assigned_at      TEXT,
	invocation_id    TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	last_seen_at     TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	archived_at      TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_state_stage ON pipeline_state(stage);
`

const migrationV2SubIssues = `
CREATE TABLE IF NOT EXISTS sub_issues (
	parent_id    INTEGER NOT NULL,
	sub_id       INTEGER NOT NULL,
	agent        TEXT NOT NULL DEFAULT '',
	pr_number    INTEGER NOT NULL DEFAULT 0,
	completed    INTEGER NOT NULL DEFAULT 0,
	completed_at TEXT,
	PRIMARY KEY (parent_id, sub_id)
);
`

const stateColumns = `issue_id, repo, stage, entered_stage_at, last_advanced_at,
	stalled_from, stall_count, agent, assigned_at, invocation_id,
	last_error, last_seen_at, created_at, archived_at`

func (s *sqliteStore) Get(ctx context.Context, issueID int) (pipeline.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, issueID)
}

func (s *sqliteStore) get(ctx context.Context, issueID int) (pipeline.State, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+stateColumns+" FROM pipeline_state WHERE issue_id = ?", issueID)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.State{}, ErrNotFound
	}
	if err != nil {
		return pipeline.State{}, fmt.Errorf("failed to get pipeline state: %w", err)
	}
	return state, nil
}

func (s *sqliteStore) Ensure(ctx context.Context, issueID int, repo string, stage pipeline.Stage) (pipeline.State, error) {
	ctx, span := s.tracer.Start(ctx, "store.ensure")
	defer span.End()
	span.SetAttributes(attribute.Int("issue", issueID), attribute.String("stage", stage.String()))

	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pipeline_state (issue_id, repo, stage, entered_stage_at, last_advanced_at, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, issueID, repo, stage.String(), now, now, now, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return pipeline.State{}, fmt.Errorf("failed to ensure pipeline state: %w", err)
	}

	return s.get(ctx, issueID)
}

const transitionQuery = `
	UPDATE pipeline_state
	SET stage = ?, entered_stage_at = ?, last_advanced_at = ?, stalled_from = '', last_error = ''
	WHERE issue_id = ? AND stage = ? AND archived_at IS NULL`

// Falling into Stalled is not an advance; last_advanced_at keeps the
// timestamp of the last real transition.
const stallTransitionQuery = `
	UPDATE pipeline_state
	SET stage = ?, entered_stage_at = ?, stalled_from = ?, last_error = ''
	WHERE issue_id = ? AND stage = ? AND archived_at IS NULL`

func (s *sqliteStore) Transition(ctx context.Context, issueID int, from, to pipeline.Stage, meta TransitionMeta) (pipeline.State, error) {
	ctx, span := s.tracer.Start(ctx, "store.transition")
	defer span.End()
	span.SetAttributes(
		attribute.Int("issue", issueID),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	)

	at := meta.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		result sql.Result
		err    error
	)
	if to == pipeline.StageStalled {
		result, err = s.conn.ExecContext(ctx, stallTransitionQuery,
			to.String(), formatTime(at), meta.StalledFrom.String(), issueID, from.String())
	} else {
		result, err = s.conn.ExecContext(ctx, transitionQuery,
			to.String(), formatTime(at), formatTime(at), issueID, from.String())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordTransition(ctx, from, to, "error")
		return pipeline.State{}, fmt.Errorf("failed to transition pipeline state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return pipeline.State{}, fmt.Errorf("failed to read transition result: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.get(ctx, issueID); errors.Is(getErr, ErrNotFound) {
			s.recordTransition(ctx, from, to, "missing")
			return pipeline.State{}, ErrNotFound
		}
		span.SetStatus(codes.Error, ErrConflict.Error())
		s.recordTransition(ctx, from, to, "conflict")
		return pipeline.State{}, ErrConflict
	}

	s.recordTransition(ctx, from, to, "applied")
	s.logger.Debug("pipeline transition applied",
		zap.Int("issue", issueID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	return s.get(ctx, issueID)
}

func (s *sqliteStore) RecordStall(ctx context.Context, issueID int) error {
	return s.exec(ctx, "failed to record stall",
		"UPDATE pipeline_state SET stall_count = stall_count + 1 WHERE issue_id = ?", issueID)
}

func (s *sqliteStore) ClearStall(ctx context.Context, issueID int) error {
	return s.exec(ctx, "failed to clear stall",
		"UPDATE pipeline_state SET stall_count = 0 WHERE issue_id = ?", issueID)
}

func (s *sqliteStore) RecordError(ctx context.Context, issueID int, msg string) error {
	return s.exec(ctx, "failed to record error",
		"UPDATE pipeline_state SET last_error = ? WHERE issue_id = ?", msg, issueID)
}

func (s *sqliteStore) ClearError(ctx context.Context, issueID int) error {
	return s.exec(ctx, "failed to clear error",
		"UPDATE pipeline_state SET last_error = '' WHERE issue_id = ?", issueID)
}

func (s *sqliteStore) Assign(ctx context.Context, issueID int, agent, invocationID string) error {
	ctx, span := s.tracer.Start(ctx, "store.assign")
	defer span.End()
	span.SetAttributes(attribute.Int("issue", issueID), attribute.String("agent", agent))

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.ExecContext(ctx, `
		UPDATE pipeline_state SET agent = ?, assigned_at = ?, invocation_id = ?
		WHERE issue_id = ? AND agent = ''
	`, agent, formatTime(time.Now()), invocationID, issueID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to assign agent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read assign result: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.get(ctx, issueID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		span.SetStatus(codes.Error, ErrAssigned.Error())
		return ErrAssigned
	}
	return nil
}

func (s *sqliteStore) ClearAssignment(ctx context.Context, issueID int) error {
	return s.exec(ctx, "failed to clear assignment",
		"UPDATE pipeline_state SET agent = '', assigned_at = NULL, invocation_id = '' WHERE issue_id = ?", issueID)
}

func (s *sqliteStore) Archive(ctx context.Context, issueID int) error {
	ctx, span := s.tracer.Start(ctx, "store.archive")
	defer span.End()
	span.SetAttributes(attribute.Int("issue", issueID))

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.ExecContext(ctx,
		"UPDATE pipeline_state SET archived_at = ? WHERE issue_id = ? AND archived_at IS NULL",
		formatTime(time.Now()), issueID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to archive pipeline state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read archive result: %w", err)
	}
	if affected == 0 {
		// Already archived is a no-op; missing is an error.
		if _, getErr := s.get(ctx, issueID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return nil
	}

	if s.archiveCounter != nil {
		s.archiveCounter.Add(ctx, 1)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]pipeline.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+stateColumns+" FROM pipeline_state WHERE archived_at IS NULL ORDER BY issue_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline states: %w", err)
	}
	defer rows.Close()

	return scanStates(rows)
}

func (s *sqliteStore) ListByStage(ctx context.Context, stage pipeline.Stage) ([]pipeline.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+stateColumns+" FROM pipeline_state WHERE archived_at IS NULL AND stage = ? ORDER BY issue_id",
		stage.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline states by stage: %w", err)
	}
	defer rows.Close()

	return scanStates(rows)
}

func (s *sqliteStore) SubIssues(ctx context.Context, parentID int) ([]pipeline.SubIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT parent_id, sub_id, agent, pr_number, completed
		FROM sub_issues WHERE parent_id = ? ORDER BY sub_id
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-issues: %w", err)
	}
	defer rows.Close()

	var subs []pipeline.SubIssue
	for rows.Next() {
		var (
			sub      pipeline.SubIssue
			prNumber int
		)
		if err := rows.Scan(&sub.Parent, &sub.Number, &sub.Agent, &prNumber, &sub.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan sub-issue: %w", err)
		}
		if prNumber > 0 {
			sub.PR = &pipeline.PullRequestRef{Number: prNumber}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *sqliteStore) PutSubIssue(ctx context.Context, sub pipeline.SubIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prNumber := 0
	if sub.PR != nil {
		prNumber = sub.PR.Number
	}

	// Completion is recorded only through MarkSubIssueComplete; an upsert
	// never clears it.
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sub_issues (parent_id, sub_id, agent, pr_number)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(parent_id, sub_id) DO UPDATE SET agent = excluded.agent, pr_number = excluded.pr_number
	`, sub.Parent, sub.Number, sub.Agent, prNumber)
	if err != nil {
		return fmt.Errorf("failed to put sub-issue: %w", err)
	}
	return nil
}

func (s *sqliteStore) MarkSubIssueComplete(ctx context.Context, parentID, subID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sub_issues (parent_id, sub_id, completed, completed_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(parent_id, sub_id) DO UPDATE SET completed = 1, completed_at = excluded.completed_at
			WHERE sub_issues.completed = 0
	`, parentID, subID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to mark sub-issue complete: %w", err)
	}
	return nil
}

// exec runs a simple single-row update and maps zero affected rows to
// ErrNotFound.
func (s *sqliteStore) exec(ctx context.Context, wrap, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", wrap, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", wrap, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (pipeline.State, error) {
	var (
		state       pipeline.State
		stage       string
		enteredAt   string
		advancedAt  string
		stalledFrom string
		assignedAt  sql.NullString
		lastSeenAt  string
		createdAt   string
		archivedAt  sql.NullString
	)

	err := row.Scan(&state.IssueNumber, &state.Repo, &stage, &enteredAt, &advancedAt,
		&stalledFrom, &state.StallCount, &state.Agent, &assignedAt, &state.InvocationID,
		&state.LastError, &lastSeenAt, &createdAt, &archivedAt)
	if err != nil {
		return pipeline.State{}, err
	}

	state.Stage, err = pipeline.ParseStage(stage)
	if err != nil {
		return pipeline.State{}, fmt.Errorf("corrupt stage column: %w", err)
	}
	if stalledFrom != "" {
		state.StalledFrom, err = pipeline.ParseStage(stalledFrom)
		if err != nil {
			return pipeline.State{}, fmt.Errorf("corrupt stalled_from column: %w", err)
		}
	}

	state.EnteredStageAt, _ = parseTime(enteredAt)
	state.LastAdvancedAt, _ = parseTime(advancedAt)
	state.LastSeenAt, _ = parseTime(lastSeenAt)
	state.CreatedAt, _ = parseTime(createdAt)
	state.AssignedAt = parseNullableTime(assignedAt)
	state.ArchivedAt = parseNullableTime(archivedAt)

	return state, nil
}

func scanStates(rows *sql.Rows) ([]pipeline.State, error) {
	var states []pipeline.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := parseTime(s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
