// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package upgrade drives the per-container release upgrade: backup, profile
// adjustment, the fixed five-step APT sequence, the apt-idle wait, and the
// post-upgrade verification and fix-ups.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lxcup/internal/apparmor"
	"lxcup/internal/backup"
	"lxcup/internal/command"
	"lxcup/internal/constants"
	"lxcup/internal/pool"
	"lxcup/internal/version"
)

// ErrAptBusy reports that package-manager processes were still active inside
// the container when the wait ceiling expired.
var ErrAptBusy = errors.New("package manager still busy after wait ceiling")

// Driver upgrades a single target. It is constructed per target so the
// owning node's runner is chosen once and reused for every phase.
type Driver struct {
	Target   pool.Target
	Node     command.Runner
	Backup   *backup.Step
	Adjuster *apparmor.Adjuster
	Log      *zap.Logger

	SkipBackup   bool
	WaitCeiling  time.Duration
	WaitInterval time.Duration

	// Sleep and Now are swappable for tests.
	Sleep func(time.Duration)
	Now   func() time.Time

	sourcesStamp string
	verified     string
}

// VerifiedVersion returns the version marker read back after a successful
// upgrade, empty until verification has passed.
func (d *Driver) VerifiedVersion() string { return d.verified }

func (d *Driver) sleep(dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run executes the full per-target workflow. Any returned error marks the
// target failed; soft failures are logged and swallowed here.
func (d *Driver) Run(ctx context.Context) error {
	ctid := d.Target.CTID
	running, err := d.isRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking status of %d: %w", ctid, err)
	}

	backupStart := d.now()
	if d.SkipBackup {
		d.Log.Warn("backup skipped by request", zap.Int("ctid", ctid))
	} else {
		if err := d.Backup.Run(ctx, d.Node, ctid); err != nil {
			return err
		}
		if err := d.Backup.Verify(ctx, d.Target.Node, ctid, backupStart); err != nil {
			d.Log.Warn("backup verification inconclusive", zap.Error(err))
		}
	}

	if _, err := d.Adjuster.Ensure(ctx, ctid, running); err != nil {
		return fmt.Errorf("adjusting isolation profile for %d: %w", ctid, err)
	}

	// The APT sequence runs inside the container, which must be up.
	if err := d.ensureRunning(ctx); err != nil {
		return err
	}

	if err := d.aptSequence(ctx); err != nil {
		return err
	}

	if err := d.waitAptIdle(ctx); err != nil {
		return err
	}

	if err := d.verifyGoalVersion(ctx); err != nil {
		return err
	}

	// Best-effort post-success steps; neither downgrades the outcome.
	if err := d.autoremove(ctx); err != nil {
		d.Log.Warn("package cleanup failed", zap.Int("ctid", ctid), zap.Error(err))
	}
	if err := d.fixConsole(ctx); err != nil {
		d.Log.Warn("console fix-up failed", zap.Int("ctid", ctid), zap.Error(err))
	}

	d.Log.Info("upgrade complete", zap.Int("ctid", ctid), zap.String("name", d.Target.Name))
	return nil
}

// aptSequence runs the fixed five steps in order. A failure at step k stops
// the sequence; a failed release upgrade additionally restores the saved
// source list best-effort.
func (d *Driver) aptSequence(ctx context.Context) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"update current packages", d.updateCurrent},
		{"back up package sources", d.backupSources},
		{"rewrite package sources", d.rewriteSources},
		{"refresh package indices", d.refreshIndices},
		{"release upgrade", d.releaseUpgrade},
	}

	for i, step := range steps {
		d.Log.Info(fmt.Sprintf("step %d/%d: %s", i+1, len(steps), step.name),
			zap.Int("ctid", d.Target.CTID))
		if err := step.run(ctx); err != nil {
			if step.name == "release upgrade" {
				d.restoreSources(ctx)
			}
			return fmt.Errorf("%s for %d: %w", step.name, d.Target.CTID, err)
		}
	}
	return nil
}

// ctExec runs a shell script inside the container.
func (d *Driver) ctExec(ctx context.Context, script string) error {
	cmdline := command.Join("pct", "exec", fmt.Sprint(d.Target.CTID), "--", "sh", "-c", script)
	res, err := d.Node.Run(ctx, cmdline)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exited %d: %s", res.ExitCode, tail(res.Stderr))
	}
	return nil
}

func (d *Driver) updateCurrent(ctx context.Context) error {
	return d.ctExec(ctx,
		"export DEBIAN_FRONTEND=noninteractive && apt-get update && apt-get -y upgrade")
}

func (d *Driver) backupSources(ctx context.Context) error {
	d.sourcesStamp = d.now().Format("20060102-150405")
	script := fmt.Sprintf(
		"cp %[1]s %[1]s.lxcup-%[2]s && cp -a %[3]s %[3]s.lxcup-%[2]s",
		constants.AptSourcesPath, d.sourcesStamp, constants.AptSourcesDir)
	return d.ctExec(ctx, script)
}

func (d *Driver) rewriteSources(ctx context.Context) error {
	script := fmt.Sprintf(
		"sed -i 's/%[1]s/%[2]s/g' %[3]s && "+
			"if ls %[4]s/*.list >/dev/null 2>&1; then sed -i 's/%[1]s/%[2]s/g' %[4]s/*.list; fi && "+
			"if ls %[4]s/*.sources >/dev/null 2>&1; then sed -i 's/%[1]s/%[2]s/g' %[4]s/*.sources; fi",
		constants.OldRelease, constants.GoalRelease,
		constants.AptSourcesPath, constants.AptSourcesDir)
	return d.ctExec(ctx, script)
}

func (d *Driver) refreshIndices(ctx context.Context) error {
	return d.ctExec(ctx, "export DEBIAN_FRONTEND=noninteractive && apt-get update")
}

func (d *Driver) releaseUpgrade(ctx context.Context) error {
	return d.ctExec(ctx,
		"export DEBIAN_FRONTEND=noninteractive && "+
			"apt-get -y -o Dpkg::Options::=--force-confdef -o Dpkg::Options::=--force-confold dist-upgrade")
}

// restoreSources puts the saved source list back after a failed release
// upgrade. Best-effort: a restore failure is logged, never escalated.
func (d *Driver) restoreSources(ctx context.Context) {
	if d.sourcesStamp == "" {
		return
	}
	script := fmt.Sprintf(
		"cp %[1]s.lxcup-%[2]s %[1]s && rm -rf %[3]s && cp -a %[3]s.lxcup-%[2]s %[3]s",
		constants.AptSourcesPath, d.sourcesStamp, constants.AptSourcesDir)
	if err := d.ctExec(ctx, script); err != nil {
		d.Log.Warn("restoring package sources failed",
			zap.Int("ctid", d.Target.CTID), zap.Error(err))
		return
	}
	d.Log.Info("package sources restored after failed release upgrade",
		zap.Int("ctid", d.Target.CTID))
}

// waitAptIdle polls until no package-manager process remains inside the
// container, so success is not declared while background work is still
// mutating system state. Exceeding the ceiling fails the target.
func (d *Driver) waitAptIdle(ctx context.Context) error {
	ceiling := d.WaitCeiling
	if ceiling == 0 {
		ceiling = constants.AptWaitCeiling
	}
	interval := d.WaitInterval
	if interval == 0 {
		interval = constants.AptWaitInterval
	}

	deadline := d.now().Add(ceiling)
	check := command.Join("pct", "exec", fmt.Sprint(d.Target.CTID), "--",
		"sh", "-c", "pgrep -x 'apt|apt-get|aptitude|dpkg' >/dev/null")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := d.Node.Run(ctx, check)
		if err == nil && res.ExitCode != 0 {
			// pgrep found nothing: the package manager is idle.
			return nil
		}
		if d.now().After(deadline) {
			return fmt.Errorf("%w: container %d", ErrAptBusy, d.Target.CTID)
		}
		d.Log.Debug("package manager still active; waiting", zap.Int("ctid", d.Target.CTID))
		d.sleep(interval)
	}
}

// verifyGoalVersion re-reads the version marker; only the goal prefix counts
// as success.
func (d *Driver) verifyGoalVersion(ctx context.Context) error {
	raw, status := version.Probe(ctx, d.Node, d.Target.CTID)
	if status != version.StatusUpToDate {
		return fmt.Errorf("container %d reports version %q after upgrade, want prefix %q",
			d.Target.CTID, raw, constants.GoalVersionPrefix+".")
	}
	d.verified = raw
	d.Log.Info("version verified", zap.Int("ctid", d.Target.CTID), zap.String("version", raw))
	return nil
}

func (d *Driver) autoremove(ctx context.Context) error {
	return d.ctExec(ctx,
		"export DEBIAN_FRONTEND=noninteractive && apt-get -y autoremove --purge")
}

// consoleOverride is the service-unit override fragment the console fix-up
// installs for both getty units. The goal release's getty exits immediately
// on the container console without it.
const consoleOverride = `[Service]
ExecStart=
ExecStart=-/sbin/agetty --noclear --keep-baud %I 115200,38400,9600 $TERM
`

// fixConsole rewrites the two getty override fragments and restarts the
// corresponding services inside the container.
func (d *Driver) fixConsole(ctx context.Context) error {
	units := []struct{ dir, restart string }{
		{"/etc/systemd/system/container-getty@.service.d", "container-getty@1.service"},
		{"/etc/systemd/system/console-getty.service.d", "console-getty.service"},
	}

	for _, u := range units {
		script := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s/override.conf",
			u.dir, command.Quote(consoleOverride), u.dir)
		if err := d.ctExec(ctx, script); err != nil {
			return fmt.Errorf("writing %s/override.conf: %w", u.dir, err)
		}
	}

	restart := "systemctl daemon-reload && systemctl restart container-getty@1.service console-getty.service || true"
	if err := d.ctExec(ctx, restart); err != nil {
		return fmt.Errorf("restarting getty services: %w", err)
	}
	return nil
}

// isRunning inspects pct status output.
func (d *Driver) isRunning(ctx context.Context) (bool, error) {
	res, err := command.RunChecked(ctx, d.Node,
		command.Join("pct", "status", fmt.Sprint(d.Target.CTID)))
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, "running"), nil
}

// ensureRunning starts the container if the profile adjustment left it
// stopped.
func (d *Driver) ensureRunning(ctx context.Context) error {
	running, err := d.isRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	d.Log.Info("starting container for upgrade", zap.Int("ctid", d.Target.CTID))
	if _, err := command.RunChecked(ctx, d.Node,
		command.Join("pct", "start", fmt.Sprint(d.Target.CTID))); err != nil {
		return fmt.Errorf("starting container %d: %w", d.Target.CTID, err)
	}
	d.sleep(5 * time.Second)
	return nil
}

func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " / ")
}
