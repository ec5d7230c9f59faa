// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package apparmor prepares a container's isolation profile for the goal
// release's service manager before the upgrade runs. The adjustment walks an
// explicit state machine:
//
//	StateNotConfigured → StatePendingRestart → StateVerified
//	                                        ↘ StateVerifyFailed → (one re-apply) → proceed
//
// A failed verification is retried exactly once and then treated as a soft
// failure: the upgrade continues either way.
package apparmor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lxcup/internal/command"
	"lxcup/internal/constants"
)

// Mode selects the adjustment policy.
type Mode string

const (
	// ModeUnconfined rewrites the profile directive to the maximally
	// permissive value.
	ModeUnconfined Mode = "unconfined"
	// ModeCustom authors and loads a dedicated profile, falling back to
	// unconfined if the profile fails to load.
	ModeCustom Mode = "custom"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeUnconfined, ModeCustom:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid security mode %q (want unconfined or custom)", s)
	}
}

// State enumerates the adjuster's progress for one target.
type State int

const (
	StateNotConfigured State = iota
	StatePendingRestart
	StateVerified
	StateVerifyFailed
)

func (s State) String() string {
	switch s {
	case StatePendingRestart:
		return "pending-restart"
	case StateVerified:
		return "verified"
	case StateVerifyFailed:
		return "verify-failed"
	default:
		return "not-configured"
	}
}

// customProfile is the dedicated profile authored in custom mode. It keeps
// the container confined while permitting the mounts the goal release's
// systemd performs at boot.
const customProfile = `# Authored by lxcup. Loaded with apparmor_parser -r.
abi <abi/4.0>,

#include <tunables/global>

profile ` + constants.CustomProfileName + ` flags=(attach_disconnected,mediate_deleted) {
  #include <abstractions/lxc/container-base>

  mount fstype=cgroup2,
  mount options=(rw,nosuid,nodev,noexec,remount) -> /sys/,
  mount options=(ro,remount,bind),
  mount fstype=tmpfs,
  deny mount fstype=debugfs,
}
`

// Adjuster applies the isolation-profile change for one container through
// its owning node's runner.
type Adjuster struct {
	Node command.Runner
	Mode Mode
	Log  *zap.Logger

	// Sleep is swappable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)

	state State
}

// State returns the machine's current state.
func (a *Adjuster) State() State { return a.state }

// Ensure drives the state machine for ctid. running reports whether the
// container is currently up: a running container is restarted to apply the
// profile and then verified; a stopped one picks the profile up on its next
// start and stays in StatePendingRestart.
//
// A configuration-write failure is returned as an error and is fatal for
// the target. Verification failure is soft: after one re-apply attempt the
// machine settles in StateVerifyFailed and Ensure returns nil.
func (a *Adjuster) Ensure(ctx context.Context, ctid int, running bool) (State, error) {
	a.state = StateNotConfigured

	profile := a.chooseProfile(ctx)
	if err := a.writeConfig(ctx, ctid, profile); err != nil {
		return a.state, err
	}
	a.state = StatePendingRestart

	if !running {
		a.Log.Info("container stopped; profile applies on next start",
			zap.Int("ctid", ctid), zap.String("profile", profile))
		return a.state, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := a.restart(ctx, ctid); err != nil {
			a.Log.Warn("restart to apply profile failed", zap.Int("ctid", ctid), zap.Error(err))
			a.state = StateVerifyFailed
			return a.state, nil
		}
		if a.verify(ctx, ctid, profile) {
			a.state = StateVerified
			a.Log.Info("isolation profile verified", zap.Int("ctid", ctid), zap.String("profile", profile))
			return a.state, nil
		}
		a.state = StateVerifyFailed
		if attempt == 0 {
			a.Log.Warn("profile not applied after restart; re-applying once", zap.Int("ctid", ctid))
		}
	}

	a.Log.Warn("isolation profile could not be verified; proceeding anyway",
		zap.Int("ctid", ctid), zap.String("profile", profile))
	return a.state, nil
}

// chooseProfile resolves the profile value for the configured mode. In
// custom mode a load failure falls back to unconfined so the run continues.
func (a *Adjuster) chooseProfile(ctx context.Context) string {
	if a.Mode != ModeCustom {
		return constants.UnconfinedProfile
	}
	if err := a.loadCustomProfile(ctx); err != nil {
		a.Log.Warn("custom profile failed to load; falling back to unconfined", zap.Error(err))
		return constants.UnconfinedProfile
	}
	return constants.CustomProfileName
}

// loadCustomProfile writes the profile file on the node and loads it.
func (a *Adjuster) loadCustomProfile(ctx context.Context) error {
	write := fmt.Sprintf("printf '%%s' %s > %s",
		command.Quote(customProfile), constants.CustomProfilePath)
	if _, err := command.RunChecked(ctx, a.Node, write); err != nil {
		return fmt.Errorf("writing custom profile: %w", err)
	}
	if _, err := command.RunChecked(ctx, a.Node, command.Join("apparmor_parser", "-r", constants.CustomProfilePath)); err != nil {
		return fmt.Errorf("loading custom profile: %w", err)
	}
	return nil
}

// writeConfig rewrites the profile directive in the container's config,
// keeping a timestamped backup copy of the previous contents.
func (a *Adjuster) writeConfig(ctx context.Context, ctid int, profile string) error {
	confPath := fmt.Sprintf("%s/%d.conf", constants.LXCConfDir, ctid)

	res, err := command.RunChecked(ctx, a.Node, command.Join("cat", confPath))
	if err != nil {
		return fmt.Errorf("reading %s: %w", confPath, err)
	}

	backupPath := fmt.Sprintf("%s.bak-%s", confPath, time.Now().Format("20060102-150405"))
	if _, err := command.RunChecked(ctx, a.Node, command.Join("cp", confPath, backupPath)); err != nil {
		return fmt.Errorf("backing up %s: %w", confPath, err)
	}

	updated := setProfileDirective(res.Stdout, profile)
	write := fmt.Sprintf("printf '%%s' %s > %s", command.Quote(updated), confPath)
	if _, err := command.RunChecked(ctx, a.Node, write); err != nil {
		return fmt.Errorf("writing %s: %w", confPath, err)
	}

	a.Log.Debug("container config updated",
		zap.Int("ctid", ctid), zap.String("profile", profile), zap.String("backup", backupPath))
	return nil
}

// setProfileDirective replaces the profile directive in a container config,
// appending it when absent. Snapshot sections below a [name] header must not
// be touched, so the directive is only edited in the leading section.
func setProfileDirective(conf, profile string) string {
	directive := constants.AppArmorProfileKey + ": " + profile
	lines := strings.Split(conf, "\n")

	sectionEnd := len(lines)
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "[") {
			sectionEnd = i
			break
		}
	}

	for i := 0; i < sectionEnd; i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), constants.AppArmorProfileKey+":") {
			lines[i] = directive
			return strings.Join(lines, "\n")
		}
	}

	head := append([]string{}, lines[:sectionEnd]...)
	for len(head) > 0 && strings.TrimSpace(head[len(head)-1]) == "" {
		head = head[:len(head)-1]
	}
	head = append(head, directive)
	out := append(head, lines[sectionEnd:]...)
	return strings.Join(out, "\n")
}

// restart stop/starts the container so the profile takes effect.
func (a *Adjuster) restart(ctx context.Context, ctid int) error {
	if _, err := command.RunChecked(ctx, a.Node, command.Join("pct", "stop", fmt.Sprint(ctid))); err != nil {
		return err
	}
	if _, err := command.RunChecked(ctx, a.Node, command.Join("pct", "start", fmt.Sprint(ctid))); err != nil {
		return err
	}
	sleep := a.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(3 * time.Second)
	return nil
}

// verify checks the confinement label of a process inside the container.
func (a *Adjuster) verify(ctx context.Context, ctid int, profile string) bool {
	cmdline := command.Join("pct", "exec", fmt.Sprint(ctid), "--", "cat", "/proc/self/attr/current")
	res, err := a.Node.Run(ctx, cmdline)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.Contains(res.Stdout, profile)
}
