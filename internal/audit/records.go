// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package audit

// RunRecord holds data for inserting a run_log row.
type RunRecord struct {
	Pool          string
	BackupStorage string
	SecurityMode  string
	SkipBackup    bool
	DryRun        bool
	Forced        bool
	TargetCount   int
	LogPath       string
}

// TargetRecord holds data for inserting a target_details row.
type TargetRecord struct {
	CTID          int
	Name          string
	Node          string
	VersionBefore string
}

// EventRecord holds data for inserting an events row.
type EventRecord struct {
	TargetID    *int64
	EventType   string
	Message     string
	ErrorDetail string
}

// RunSummary is one row of the history listing.
type RunSummary struct {
	RunID       string
	Command     string
	Status      string
	Pool        string
	TargetCount int
	Succeeded   int
	Failed      int
	Skipped     int
	StartedAt   string
	CompletedAt string
}
