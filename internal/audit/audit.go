// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Auditor defines the contract for recording run history.
type Auditor interface {
	// StartRun creates a run_log row and returns its ID and generated run UUID.
	StartRun(ctx context.Context, cmd string, r RunRecord) (runRowID int64, runID string, err error)
	// CompleteRun finalises the run_log row with status, counters, and an
	// optional error summary.
	CompleteRun(ctx context.Context, id int64, status string, succeeded, failed, skipped int, errSummary string) error

	// RecordTarget inserts a target_details row.
	RecordTarget(ctx context.Context, runRowID int64, t TargetRecord) (targetID int64, err error)
	// CompleteTarget updates a target_details row with its outcome.
	CompleteTarget(ctx context.Context, id int64, status, versionAfter, errDetail string, duration time.Duration) error

	// RecordEvent inserts an events row.
	RecordEvent(ctx context.Context, runRowID int64, e EventRecord) error

	// RecentRuns returns the latest run summaries, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunSummary, error)

	// Close releases database resources.
	Close() error
}

// SQLiteAuditor implements Auditor backed by a SQLite database.
type SQLiteAuditor struct {
	db *sql.DB
}

// NewSQLiteAuditor opens (or creates) the SQLite database at dbPath and
// ensures the schema is applied.
func NewSQLiteAuditor(dbPath string) (*SQLiteAuditor, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit db directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=on"
	if dbPath == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying audit schema: %w", err)
	}

	return &SQLiteAuditor{db: db}, nil
}

// DB exposes the underlying handle for tests.
func (a *SQLiteAuditor) DB() *sql.DB { return a.db }

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (a *SQLiteAuditor) StartRun(ctx context.Context, cmd string, r RunRecord) (int64, string, error) {
	runID := uuid.New().String()

	res, err := a.db.ExecContext(ctx, `
		INSERT INTO run_log (
			run_id, command, status, pool, backup_storage, security_mode,
			skip_backup, dry_run, forced, target_count, log_path, started_at
		) VALUES (?, ?, 'in_progress', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, cmd, r.Pool, r.BackupStorage, r.SecurityMode,
		boolToInt(r.SkipBackup), boolToInt(r.DryRun), boolToInt(r.Forced),
		r.TargetCount, r.LogPath, now(),
	)
	if err != nil {
		return 0, "", fmt.Errorf("inserting run_log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("getting run_log id: %w", err)
	}
	return id, runID, nil
}

func (a *SQLiteAuditor) CompleteRun(ctx context.Context, id int64, status string, succeeded, failed, skipped int, errSummary string) error {
	var errPtr *string
	if errSummary != "" {
		errPtr = &errSummary
	}
	_, err := a.db.ExecContext(ctx, `
		UPDATE run_log
		SET status = ?, succeeded = ?, failed = ?, skipped = ?, completed_at = ?, error_summary = ?
		WHERE id = ?`,
		status, succeeded, failed, skipped, now(), errPtr, id)
	return err
}

func (a *SQLiteAuditor) RecordTarget(ctx context.Context, runRowID int64, t TargetRecord) (int64, error) {
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO target_details (
			run_id, ctid, name, node, version_before, status, started_at
		) VALUES (?, ?, ?, ?, ?, 'planned', ?)`,
		runRowID, t.CTID, t.Name, t.Node, t.VersionBefore, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting target_details: %w", err)
	}
	return res.LastInsertId()
}

func (a *SQLiteAuditor) CompleteTarget(ctx context.Context, id int64, status, versionAfter, errDetail string, duration time.Duration) error {
	var errPtr *string
	if errDetail != "" {
		errPtr = &errDetail
	}
	_, err := a.db.ExecContext(ctx, `
		UPDATE target_details
		SET status = ?, version_after = ?, error_detail = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?`,
		status, nullIfEmpty(versionAfter), errPtr, duration.Milliseconds(), now(), id)
	return err
}

func (a *SQLiteAuditor) RecordEvent(ctx context.Context, runRowID int64, e EventRecord) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO events (run_id, target_id, event_type, message, error_detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runRowID, e.TargetID, e.EventType, nullIfEmpty(e.Message), nullIfEmpty(e.ErrorDetail), now())
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (a *SQLiteAuditor) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT run_id, command, status, pool,
		       COALESCE(target_count, 0), COALESCE(succeeded, 0),
		       COALESCE(failed, 0), COALESCE(skipped, 0),
		       started_at, COALESCE(completed_at, '')
		FROM run_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.Command, &s.Status, &s.Pool,
			&s.TargetCount, &s.Succeeded, &s.Failed, &s.Skipped,
			&s.StartedAt, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning run history: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (a *SQLiteAuditor) Close() error {
	return a.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
