// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrate drives the whole upgrade run: target resolution,
// version probing, plan display and confirmation, the strictly sequential
// per-target upgrade loop, and the aggregate summary.
package orchestrate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"lxcup/internal/apparmor"
	"lxcup/internal/audit"
	"lxcup/internal/backup"
	"lxcup/internal/cluster"
	"lxcup/internal/command"
	"lxcup/internal/config"
	"lxcup/internal/constants"
	"lxcup/internal/pool"
	"lxcup/internal/upgrade"
	"lxcup/internal/version"
)

// Status classifies a target's outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Outcome is the per-target result accumulated during the run.
type Outcome struct {
	CTID     int
	Name     string
	Status   Status
	Duration time.Duration
	Err      error

	// VersionAfter is the marker the driver read back after a successful
	// upgrade, when the driver reports one.
	VersionAfter string
}

// Summary aggregates the run.
type Summary struct {
	Outcomes  []Outcome
	Cancelled bool
	DryRun    bool
}

// Counts returns (succeeded, failed, skipped).
func (s Summary) Counts() (int, int, int) {
	var ok, failed, skipped int
	for _, o := range s.Outcomes {
		switch o.Status {
		case StatusSuccess:
			ok++
		case StatusFailed:
			failed++
		default:
			skipped++
		}
	}
	return ok, failed, skipped
}

// ExitCode is non-zero iff any target failed. A cancelled or dry run is
// success.
func (s Summary) ExitCode() int {
	_, failed, _ := s.Counts()
	if failed > 0 {
		return 1
	}
	return 0
}

// planEntry is one row of the rendered upgrade plan.
type planEntry struct {
	CTID    int    `yaml:"ctid"`
	Name    string `yaml:"name"`
	Node    string `yaml:"node"`
	Version string `yaml:"version"`
	State   string `yaml:"state"`
	Action  string `yaml:"action"`

	target pool.Target
	status version.Status
}

// RunnerProvider yields the command runner for a node. Satisfied by
// remote.Router.
type RunnerProvider interface {
	RunnerFor(ctx context.Context, node string) command.Runner
}

// TargetDriver runs the upgrade workflow for one target.
type TargetDriver interface {
	Run(ctx context.Context) error
}

// Orchestrator wires the run together. All dependencies are explicit so
// tests can substitute fakes.
type Orchestrator struct {
	Cfg     *config.Config
	Cluster *cluster.Client
	Router  RunnerProvider
	Log     *zap.Logger
	Auditor audit.Auditor // nil disables run history
	LogPath string

	Out io.Writer
	In  io.Reader

	// NewDriver builds the per-target driver; swappable for tests.
	NewDriver func(t pool.Target, node command.Runner) TargetDriver

	// Sleep is swappable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Run executes the workflow and returns the aggregate summary. The returned
// error covers fatal-to-run conditions only; per-target failures live in the
// summary.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	targets, err := o.resolveTargets(ctx)
	if err != nil {
		return Summary{}, err
	}
	if len(targets) == 0 {
		fmt.Fprintln(o.Out, "No container targets found; nothing to do.")
		return Summary{}, nil
	}

	plan, err := o.buildPlan(ctx, targets)
	if err != nil {
		return Summary{}, err
	}
	if err := o.printPlan(plan); err != nil {
		return Summary{}, err
	}

	if o.Cfg.DryRun {
		fmt.Fprintln(o.Out, "Dry run: no changes were made.")
		return Summary{DryRun: true}, nil
	}

	if !o.Cfg.Force && !o.confirm() {
		fmt.Fprintln(o.Out, "Cancelled by user.")
		return Summary{Cancelled: true}, nil
	}

	runRowID := o.auditStart(ctx, len(targets))
	summary := o.upgradeAll(ctx, plan, runRowID)
	o.printSummary(summary)
	o.auditComplete(ctx, runRowID, summary)
	return summary, nil
}

// resolveTargets picks explicit CTIDs when given, pool discovery otherwise.
func (o *Orchestrator) resolveTargets(ctx context.Context) ([]pool.Target, error) {
	if len(o.Cfg.Targets) > 0 {
		return pool.ResolveCTIDs(ctx, o.Cluster, o.Cfg.Targets)
	}
	return pool.Resolve(ctx, o.Cluster, o.Cfg.Pool, o.Log)
}

// buildPlan probes every target's version concurrently. Probing is
// read-only; the mutating loop below stays strictly sequential.
func (o *Orchestrator) buildPlan(ctx context.Context, targets []pool.Target) ([]planEntry, error) {
	plan := make([]planEntry, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			runner := o.Router.RunnerFor(gctx, t.Node)
			raw, status := version.Probe(gctx, runner, t.CTID)
			plan[i] = planEntry{
				CTID:    t.CTID,
				Name:    t.Name,
				Node:    t.Node,
				Version: raw,
				State:   status.String(),
				Action:  actionFor(status),
				target:  t,
				status:  status,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plan, nil
}

func actionFor(s version.Status) string {
	switch s {
	case version.StatusEligible:
		return "upgrade"
	case version.StatusUpToDate:
		return "skip (already at goal)"
	case version.StatusUnsupported:
		return "fail (unsupported version)"
	default:
		return "skip (version unknown)"
	}
}

func (o *Orchestrator) printPlan(plan []planEntry) error {
	fmt.Fprintf(o.Out, "Upgrade plan (%s -> %s), %d target(s):\n\n",
		constants.OldRelease, constants.GoalRelease, len(plan))
	data, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("rendering plan: %w", err)
	}
	fmt.Fprintln(o.Out, string(data))
	return nil
}

func (o *Orchestrator) confirm() bool {
	fmt.Fprint(o.Out, "Proceed with the upgrade? [y/N]: ")
	scanner := bufio.NewScanner(o.In)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// upgradeAll processes targets one at a time, in discovery order, with a
// fixed pause between them. No error crosses a target boundary.
func (o *Orchestrator) upgradeAll(ctx context.Context, plan []planEntry, runRowID int64) Summary {
	var summary Summary
	pause := time.Duration(o.Cfg.PauseSeconds) * time.Second

	for i, entry := range plan {
		if i > 0 && pause > 0 {
			o.sleep(pause)
		}
		outcome := o.upgradeOne(ctx, entry, runRowID)
		summary.Outcomes = append(summary.Outcomes, outcome)
	}
	return summary
}

func (o *Orchestrator) upgradeOne(ctx context.Context, entry planEntry, runRowID int64) Outcome {
	outcome := Outcome{CTID: entry.CTID, Name: entry.Name}
	targetID := o.auditTarget(ctx, runRowID, entry)
	start := time.Now()

	switch entry.status {
	case version.StatusUpToDate:
		o.Log.Info("already at goal version; skipping",
			zap.Int("ctid", entry.CTID), zap.String("version", entry.Version))
		outcome.Status = StatusSkipped
		o.auditEvent(ctx, runRowID, targetID, "skip_up_to_date", entry.Version)

	case version.StatusUnknown:
		o.Log.Warn("version unknown (container stopped or unreachable); skipping",
			zap.Int("ctid", entry.CTID))
		outcome.Status = StatusSkipped
		o.auditEvent(ctx, runRowID, targetID, "skip_version_unknown", "")

	case version.StatusUnsupported:
		// An unexpected release is an operator error, so it fails the run
		// rather than being silently skipped.
		o.Log.Error("unsupported version; refusing to upgrade",
			zap.Int("ctid", entry.CTID), zap.String("version", entry.Version))
		outcome.Status = StatusFailed
		outcome.Err = fmt.Errorf("container %d at unsupported version %q", entry.CTID, entry.Version)
		o.auditEvent(ctx, runRowID, targetID, "unsupported_version", entry.Version)

	default:
		runner := o.Router.RunnerFor(ctx, entry.target.Node)
		driver := o.newDriver(entry.target, runner)
		if err := driver.Run(ctx); err != nil {
			o.Log.Error("upgrade failed", zap.Int("ctid", entry.CTID), zap.Error(err))
			outcome.Status = StatusFailed
			outcome.Err = err
		} else {
			outcome.Status = StatusSuccess
			if v, ok := driver.(interface{ VerifiedVersion() string }); ok {
				outcome.VersionAfter = v.VerifiedVersion()
			}
		}
	}

	outcome.Duration = time.Since(start)
	o.auditTargetDone(ctx, targetID, entry, outcome)
	return outcome
}

func (o *Orchestrator) newDriver(t pool.Target, runner command.Runner) TargetDriver {
	if o.NewDriver != nil {
		return o.NewDriver(t, runner)
	}
	mode, _ := apparmor.ParseMode(o.Cfg.SecurityMode)
	return &upgrade.Driver{
		Target: t,
		Node:   runner,
		Backup: &backup.Step{
			Storage: o.Cfg.BackupStorage,
			Cluster: o.Cluster,
			Log:     o.Log,
		},
		Adjuster: &apparmor.Adjuster{
			Node: runner,
			Mode: mode,
			Log:  o.Log,
		},
		Log:         o.Log,
		SkipBackup:  o.Cfg.SkipBackup,
		WaitCeiling: time.Duration(o.Cfg.AptWaitMinutes) * time.Minute,
	}
}

func (o *Orchestrator) printSummary(summary Summary) {
	ok, failed, skipped := summary.Counts()

	fmt.Fprintln(o.Out, strings.Repeat("=", 50))
	fmt.Fprintln(o.Out, "Upgrade Summary")
	fmt.Fprintln(o.Out, strings.Repeat("=", 50))
	fmt.Fprintf(o.Out, "Succeeded: %d\n", ok)
	fmt.Fprintf(o.Out, "Failed:    %d\n", failed)
	fmt.Fprintf(o.Out, "Skipped:   %d\n", skipped)
	if failed > 0 {
		fmt.Fprintln(o.Out, "\nFailed targets:")
		for _, out := range summary.Outcomes {
			if out.Status == StatusFailed {
				fmt.Fprintf(o.Out, "  - %d (%s): %v\n", out.CTID, out.Name, out.Err)
			}
		}
	}
	if o.LogPath != "" {
		fmt.Fprintf(o.Out, "\nRun log: %s\n", o.LogPath)
	}
	fmt.Fprintln(o.Out, strings.Repeat("=", 50))
}

func (o *Orchestrator) sleep(d time.Duration) {
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

// --- audit helpers; all tolerate a nil Auditor and log-and-continue on
// recording errors, since history must never fail a run.

func (o *Orchestrator) auditStart(ctx context.Context, targetCount int) int64 {
	if o.Auditor == nil {
		return 0
	}
	id, _, err := o.Auditor.StartRun(ctx, "upgrade", audit.RunRecord{
		Pool:          o.Cfg.Pool,
		BackupStorage: o.Cfg.BackupStorage,
		SecurityMode:  o.Cfg.SecurityMode,
		SkipBackup:    o.Cfg.SkipBackup,
		DryRun:        o.Cfg.DryRun,
		Forced:        o.Cfg.Force,
		TargetCount:   targetCount,
		LogPath:       o.LogPath,
	})
	if err != nil {
		o.Log.Warn("recording run start failed", zap.Error(err))
	}
	return id
}

func (o *Orchestrator) auditComplete(ctx context.Context, runRowID int64, summary Summary) {
	if o.Auditor == nil || runRowID == 0 {
		return
	}
	ok, failed, skipped := summary.Counts()
	status := "succeeded"
	var errSummary string
	if failed > 0 {
		status = "failed"
		var parts []string
		for _, out := range summary.Outcomes {
			if out.Err != nil {
				parts = append(parts, fmt.Sprintf("%d: %v", out.CTID, out.Err))
			}
		}
		errSummary = strings.Join(parts, "; ")
	}
	if err := o.Auditor.CompleteRun(ctx, runRowID, status, ok, failed, skipped, errSummary); err != nil {
		o.Log.Warn("recording run completion failed", zap.Error(err))
	}
}

func (o *Orchestrator) auditEvent(ctx context.Context, runRowID, targetID int64, eventType, message string) {
	if o.Auditor == nil || runRowID == 0 {
		return
	}
	var tid *int64
	if targetID != 0 {
		tid = &targetID
	}
	err := o.Auditor.RecordEvent(ctx, runRowID, audit.EventRecord{
		TargetID:  tid,
		EventType: eventType,
		Message:   message,
	})
	if err != nil {
		o.Log.Warn("recording event failed", zap.Error(err))
	}
}

func (o *Orchestrator) auditTarget(ctx context.Context, runRowID int64, entry planEntry) int64 {
	if o.Auditor == nil || runRowID == 0 {
		return 0
	}
	id, err := o.Auditor.RecordTarget(ctx, runRowID, audit.TargetRecord{
		CTID:          entry.CTID,
		Name:          entry.Name,
		Node:          entry.Node,
		VersionBefore: entry.Version,
	})
	if err != nil {
		o.Log.Warn("recording target failed", zap.Error(err))
	}
	return id
}

func (o *Orchestrator) auditTargetDone(ctx context.Context, targetID int64, entry planEntry, outcome Outcome) {
	if o.Auditor == nil || targetID == 0 {
		return
	}
	var errDetail string
	if outcome.Err != nil {
		errDetail = outcome.Err.Error()
	}
	versionAfter := outcome.VersionAfter
	if versionAfter == "" && outcome.Status == StatusSuccess {
		versionAfter = constants.GoalVersionPrefix
	}
	err := o.Auditor.CompleteTarget(ctx, targetID, string(outcome.Status), versionAfter, errDetail, outcome.Duration)
	if err != nil {
		o.Log.Warn("recording target completion failed", zap.Error(err))
	}
}

// IsPoolNotFound reports whether err is the fatal-to-run pool condition.
func IsPoolNotFound(err error) bool {
	return errors.Is(err, cluster.ErrPoolNotFound)
}
