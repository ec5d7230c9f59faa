// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package audit_test

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lxcup/internal/audit"
)

var _ = Describe("SQLiteAuditor", func() {
	var (
		ctx context.Context
		a   *audit.SQLiteAuditor
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		a, err = audit.NewSQLiteAuditor(filepath.Join(GinkgoT().TempDir(), "audit", "lxcup-audit.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(a.Close)
	})

	It("applies the schema on open", func() {
		for _, table := range []string{"run_log", "target_details", "events"} {
			var name string
			err := a.DB().QueryRow(
				"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
			Expect(err).NotTo(HaveOccurred(), "table %s missing", table)
		}
	})

	Describe("StartRun", func() {
		It("inserts an in-progress row with a run UUID", func() {
			id, runID, err := a.StartRun(ctx, "upgrade", audit.RunRecord{
				Pool:          "upgrade",
				BackupStorage: "local",
				SecurityMode:  "unconfined",
				TargetCount:   3,
				LogPath:       "/var/log/lxcup/lxcup-20260831-120000.log",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(BeNumerically(">", 0))
			Expect(uuid.Validate(runID)).To(Succeed())

			var status, pool string
			var count int
			err = a.DB().QueryRow(
				"SELECT status, pool, target_count FROM run_log WHERE id = ?", id).
				Scan(&status, &pool, &count)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal("in_progress"))
			Expect(pool).To(Equal("upgrade"))
			Expect(count).To(Equal(3))
		})
	})

	Describe("CompleteRun", func() {
		It("finalises counters and status", func() {
			id, _, err := a.StartRun(ctx, "upgrade", audit.RunRecord{Pool: "upgrade", TargetCount: 2})
			Expect(err).NotTo(HaveOccurred())

			Expect(a.CompleteRun(ctx, id, "failed", 1, 1, 0, "301: backup of 301 failed")).To(Succeed())

			var status, errSummary string
			var ok, failed int
			err = a.DB().QueryRow(
				"SELECT status, succeeded, failed, error_summary FROM run_log WHERE id = ?", id).
				Scan(&status, &ok, &failed, &errSummary)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal("failed"))
			Expect(ok).To(Equal(1))
			Expect(failed).To(Equal(1))
			Expect(errSummary).To(ContainSubstring("301"))
		})
	})

	Describe("target records", func() {
		It("tracks a target from planned to its outcome", func() {
			runID, _, err := a.StartRun(ctx, "upgrade", audit.RunRecord{Pool: "upgrade", TargetCount: 1})
			Expect(err).NotTo(HaveOccurred())

			targetID, err := a.RecordTarget(ctx, runID, audit.TargetRecord{
				CTID:          301,
				Name:          "web",
				Node:          "pve1",
				VersionBefore: "12.9",
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(a.CompleteTarget(ctx, targetID, "success", "13", "", 42*time.Second)).To(Succeed())

			var status, after string
			var durationMS int64
			err = a.DB().QueryRow(
				"SELECT status, version_after, duration_ms FROM target_details WHERE id = ?", targetID).
				Scan(&status, &after, &durationMS)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal("success"))
			Expect(after).To(Equal("13"))
			Expect(durationMS).To(Equal(int64(42000)))
		})
	})

	Describe("RecordEvent", func() {
		It("attaches events to a run", func() {
			runID, _, err := a.StartRun(ctx, "upgrade", audit.RunRecord{Pool: "upgrade"})
			Expect(err).NotTo(HaveOccurred())

			Expect(a.RecordEvent(ctx, runID, audit.EventRecord{
				EventType: "backup_skipped",
				Message:   "skipped by request",
			})).To(Succeed())

			var n int
			err = a.DB().QueryRow("SELECT COUNT(*) FROM events WHERE run_id = ?", runID).Scan(&n)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("RecentRuns", func() {
		It("returns runs newest first up to the limit", func() {
			for i := 0; i < 3; i++ {
				id, _, err := a.StartRun(ctx, "upgrade", audit.RunRecord{Pool: fmt.Sprintf("pool-%d", i)})
				Expect(err).NotTo(HaveOccurred())
				Expect(a.CompleteRun(ctx, id, "succeeded", 1, 0, 0, "")).To(Succeed())
			}

			runs, err := a.RecentRuns(ctx, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(2))
			Expect(runs[0].Pool).To(Equal("pool-2"))
			Expect(runs[1].Pool).To(Equal("pool-1"))
			Expect(runs[0].Status).To(Equal("succeeded"))
			Expect(runs[0].CompletedAt).NotTo(BeEmpty())
		})

		It("falls back to a default limit", func() {
			_, _, err := a.StartRun(ctx, "upgrade", audit.RunRecord{Pool: "upgrade"})
			Expect(err).NotTo(HaveOccurred())

			runs, err := a.RecentRuns(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
		})
	})
})
