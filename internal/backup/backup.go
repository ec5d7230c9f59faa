// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package backup triggers a snapshot-mode vzdump of a container before any
// mutating phase and verifies the resulting artifact.
package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lxcup/internal/cluster"
	"lxcup/internal/command"
)

// Step runs backups against a named storage.
type Step struct {
	Storage string
	Cluster *cluster.Client
	Log     *zap.Logger
}

// Run performs a snapshot-mode backup of ctid on its owning node. A non-zero
// vzdump exit is fatal for the target: the upgrade must not proceed without
// a backup.
func (s *Step) Run(ctx context.Context, node command.Runner, ctid int) error {
	start := time.Now()
	s.Log.Info("starting backup", zap.Int("ctid", ctid), zap.String("storage", s.Storage))

	cmdline := command.Join("vzdump", fmt.Sprint(ctid),
		"--mode", "snapshot",
		"--storage", s.Storage,
		"--compress", "zstd")
	res, err := node.Run(ctx, cmdline)
	if err != nil {
		return fmt.Errorf("backup of %d: %w", ctid, err)
	}
	// vzdump streams its progress on stdout; keep it in the run log.
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			s.Log.Debug("vzdump", zap.Int("ctid", ctid), zap.String("line", line))
		}
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("backup of %d failed (exit %d): %s", ctid, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	s.Log.Info("backup complete",
		zap.Int("ctid", ctid),
		zap.Duration("elapsed", time.Since(start).Round(time.Second)))
	return nil
}

// Verify checks the storage content listing for an artifact of this run.
// Listing semantics vary by storage backend, so a miss after a successful
// vzdump is a warning, never a hard failure; the returned error is for the
// caller to log.
func (s *Step) Verify(ctx context.Context, node string, ctid int, since time.Time) error {
	vols, err := s.Cluster.BackupVolumes(ctx, node, s.Storage)
	if err != nil {
		return fmt.Errorf("verifying backup of %d: %w", ctid, err)
	}

	marker := fmt.Sprintf("vzdump-lxc-%d-", ctid)
	for _, v := range vols {
		if strings.Contains(v.VolID, marker) && time.Unix(v.CTime, 0).After(since.Add(-time.Minute)) {
			s.Log.Debug("backup artifact found",
				zap.Int("ctid", ctid), zap.String("volid", v.VolID), zap.Int64("size", v.Size))
			return nil
		}
	}
	return fmt.Errorf("no fresh backup artifact for %d on storage %s", ctid, s.Storage)
}
