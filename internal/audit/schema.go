// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package audit

// schemaSQL contains the DDL for the run-history database. Timestamps are
// stored as ISO 8601 TEXT for SQLite compatibility.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS run_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT    NOT NULL UNIQUE,
	command         TEXT    NOT NULL,
	status          TEXT    NOT NULL DEFAULT 'in_progress',
	pool            TEXT,
	backup_storage  TEXT,
	security_mode   TEXT,
	skip_backup     INTEGER NOT NULL DEFAULT 0,
	dry_run         INTEGER NOT NULL DEFAULT 0,
	forced          INTEGER NOT NULL DEFAULT 0,
	target_count    INTEGER,
	succeeded       INTEGER,
	failed          INTEGER,
	skipped         INTEGER,
	log_path        TEXT,
	started_at      TEXT    NOT NULL,
	completed_at    TEXT,
	error_summary   TEXT
);

CREATE INDEX IF NOT EXISTS idx_run_log_started_at ON run_log(started_at);
CREATE INDEX IF NOT EXISTS idx_run_log_status     ON run_log(status);
CREATE INDEX IF NOT EXISTS idx_run_log_run_id     ON run_log(run_id);

CREATE TABLE IF NOT EXISTS target_details (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         INTEGER NOT NULL REFERENCES run_log(id),
	ctid           INTEGER NOT NULL,
	name           TEXT,
	node           TEXT,
	version_before TEXT,
	version_after  TEXT,
	status         TEXT    NOT NULL DEFAULT 'planned',
	duration_ms    INTEGER,
	error_detail   TEXT,
	started_at     TEXT,
	completed_at   TEXT
);

CREATE INDEX IF NOT EXISTS idx_target_details_run_id ON target_details(run_id);
CREATE INDEX IF NOT EXISTS idx_target_details_ctid   ON target_details(ctid);

CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       INTEGER NOT NULL REFERENCES run_log(id),
	target_id    INTEGER REFERENCES target_details(id),
	event_type   TEXT    NOT NULL,
	message      TEXT,
	error_detail TEXT,
	occurred_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run_id      ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_event_type  ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);
`
