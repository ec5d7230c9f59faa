// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package orchestrate_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"lxcup/internal/audit"
	"lxcup/internal/cluster"
	"lxcup/internal/command"
	"lxcup/internal/config"
	"lxcup/internal/orchestrate"
	"lxcup/internal/pool"
	"lxcup/internal/testutil"
)

const poolJSON = `{
  "poolid": "PoolA",
  "members": [
    {"id": "lxc/301", "type": "lxc", "vmid": 301, "name": "web", "node": "pve1", "status": "running"},
    {"id": "lxc/302", "type": "lxc", "vmid": 302, "name": "db", "node": "pve2", "status": "running"},
    {"id": "qemu/305", "type": "qemu", "vmid": 305, "name": "win", "node": "pve2", "status": "stopped"}
  ]
}`

type fakeProvider struct{ runner command.Runner }

func (f fakeProvider) RunnerFor(context.Context, string) command.Runner { return f.runner }

type driverFunc func(context.Context) error

func (f driverFunc) Run(ctx context.Context) error { return f(ctx) }

type reportingDriver struct {
	driverFunc
	version string
}

func (d reportingDriver) VerifiedVersion() string { return d.version }

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		cfg     *config.Config
		cluRun  *testutil.FakeRunner
		nodeRun *testutil.FakeRunner
		out     *bytes.Buffer
		driven  []int
		failFor map[int]error
		slept   []time.Duration
		o       *orchestrate.Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = &config.Config{
			Pool:          "PoolA",
			BackupStorage: "local",
			SecurityMode:  "unconfined",
			Force:         true,
			PauseSeconds:  10,
		}
		cluRun = &testutil.FakeRunner{}
		cluRun.StubJSON("/pools/PoolA --output-format json", poolJSON)
		nodeRun = &testutil.FakeRunner{}
		nodeRun.StubJSON("pct exec 301", "12.9\n")
		nodeRun.StubJSON("pct exec 302", "12.11\n")
		out = &bytes.Buffer{}
		driven = nil
		failFor = map[int]error{}
		slept = nil

		o = &orchestrate.Orchestrator{
			Cfg:     cfg,
			Cluster: cluster.New(cluRun),
			Router:  fakeProvider{runner: nodeRun},
			Log:     zap.NewNop(),
			Out:     out,
			In:      strings.NewReader(""),
			NewDriver: func(t pool.Target, _ command.Runner) orchestrate.TargetDriver {
				return driverFunc(func(context.Context) error {
					driven = append(driven, t.CTID)
					return failFor[t.CTID]
				})
			},
			Sleep: func(d time.Duration) { slept = append(slept, d) },
		}
	})

	It("upgrades eligible targets in discovery order with a pause between", func() {
		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(driven).To(Equal([]int{301, 302}))
		Expect(slept).To(Equal([]time.Duration{10 * time.Second}))
		ok, failed, skipped := summary.Counts()
		Expect(ok).To(Equal(2))
		Expect(failed).To(BeZero())
		Expect(skipped).To(BeZero())
		Expect(summary.ExitCode()).To(BeZero())
	})

	It("prints the plan before touching anything", func() {
		_, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(out.String()).To(ContainSubstring("Upgrade plan (bookworm -> trixie), 2 target(s)"))
		Expect(out.String()).To(ContainSubstring("ctid: 301"))
		Expect(out.String()).To(ContainSubstring("action: upgrade"))
	})

	It("makes no changes on a dry run", func() {
		cfg.DryRun = true

		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.DryRun).To(BeTrue())
		Expect(summary.ExitCode()).To(BeZero())
		Expect(driven).To(BeEmpty())
		Expect(out.String()).To(ContainSubstring("Dry run: no changes were made."))
	})

	It("skips a target that already runs the goal release", func() {
		fresh := &testutil.FakeRunner{}
		fresh.StubJSON("pct exec 301", "13.1\n")
		fresh.StubJSON("pct exec 302", "12.11\n")
		o.Router = fakeProvider{runner: fresh}

		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(driven).To(Equal([]int{302}))
		ok, _, skipped := summary.Counts()
		Expect(ok).To(Equal(1))
		Expect(skipped).To(Equal(1))
	})

	It("skips with a warning when the version cannot be read", func() {
		fresh := &testutil.FakeRunner{}
		fresh.StubExit("pct exec 301", 255, "CT 301 not running")
		fresh.StubJSON("pct exec 302", "12.11\n")
		o.Router = fakeProvider{runner: fresh}

		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(driven).To(Equal([]int{302}))
		Expect(summary.ExitCode()).To(BeZero())
	})

	It("fails an unsupported version and keeps going", func() {
		fresh := &testutil.FakeRunner{}
		fresh.StubJSON("pct exec 301", "11.7\n")
		fresh.StubJSON("pct exec 302", "12.11\n")
		o.Router = fakeProvider{runner: fresh}

		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(driven).To(Equal([]int{302}))
		_, failed, _ := summary.Counts()
		Expect(failed).To(Equal(1))
		Expect(summary.ExitCode()).To(Equal(1))
		Expect(out.String()).To(ContainSubstring("unsupported version"))
	})

	It("keeps upgrading after a per-target failure", func() {
		failFor[301] = context.DeadlineExceeded

		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(driven).To(Equal([]int{301, 302}))
		ok, failed, _ := summary.Counts()
		Expect(ok).To(Equal(1))
		Expect(failed).To(Equal(1))
		Expect(out.String()).To(ContainSubstring("Failed targets:"))
	})

	It("stops at the prompt when the user declines", func() {
		cfg.Force = false
		o.In = strings.NewReader("n\n")

		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Cancelled).To(BeTrue())
		Expect(driven).To(BeEmpty())
		Expect(out.String()).To(ContainSubstring("Cancelled by user."))
	})

	It("proceeds when the user confirms", func() {
		cfg.Force = false
		o.In = strings.NewReader("y\n")

		_, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(driven).To(Equal([]int{301, 302}))
	})

	It("does nothing for an empty pool", func() {
		cluRun.Stub("/pools/Empty", command.Result{Stdout: `{"poolid": "Empty", "members": []}`}, nil)
		cfg.Pool = "Empty"

		summary, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Outcomes).To(BeEmpty())
		Expect(out.String()).To(ContainSubstring("No container targets found"))
	})

	It("resolves explicit CTIDs instead of the pool", func() {
		cfg.Targets = []int{302}
		cluRun.StubJSON("/cluster/resources --type vm --output-format json",
			`[{"vmid": 302, "type": "lxc", "name": "db", "node": "pve2", "status": "running"}]`)

		_, err := o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(driven).To(Equal([]int{302}))
		Expect(cluRun.Ran("/pools/")).To(BeFalse())
	})

	It("records the run and its events in the audit database", func() {
		auditor, err := audit.NewSQLiteAuditor(filepath.Join(GinkgoT().TempDir(), "audit.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(auditor.Close)
		o.Auditor = auditor

		fresh := &testutil.FakeRunner{}
		fresh.StubJSON("pct exec 301", "11.7\n")
		fresh.StubJSON("pct exec 302", "12.11\n")
		o.Router = fakeProvider{runner: fresh}

		_, err = o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		runs, err := auditor.RecentRuns(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(HaveLen(1))
		Expect(runs[0].Status).To(Equal("failed"))
		Expect(runs[0].Failed).To(Equal(1))
		Expect(runs[0].Succeeded).To(Equal(1))

		var events int
		Expect(auditor.DB().QueryRow(
			"SELECT COUNT(*) FROM events WHERE event_type = 'unsupported_version'").
			Scan(&events)).To(Succeed())
		Expect(events).To(Equal(1))
	})

	It("records the version the driver verified after the upgrade", func() {
		auditor, err := audit.NewSQLiteAuditor(filepath.Join(GinkgoT().TempDir(), "audit.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(auditor.Close)
		o.Auditor = auditor
		o.NewDriver = func(t pool.Target, _ command.Runner) orchestrate.TargetDriver {
			return reportingDriver{
				driverFunc: func(context.Context) error { return nil },
				version:    "13.1",
			}
		}

		_, err = o.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		var after string
		Expect(auditor.DB().QueryRow(
			"SELECT version_after FROM target_details WHERE ctid = 302").
			Scan(&after)).To(Succeed())
		Expect(after).To(Equal("13.1"))
	})

	It("surfaces a missing pool as a fatal error", func() {
		fresh := &testutil.FakeRunner{}
		fresh.StubExit("pvesh get /pools/PoolA", 2, "no such pool")
		o.Cluster = cluster.New(fresh)

		_, err := o.Run(ctx)
		Expect(err).To(HaveOccurred())
		Expect(orchestrate.IsPoolNotFound(err)).To(BeTrue())
	})
})
