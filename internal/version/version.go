// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package version classifies a container's Debian release by reading its
// version marker file.
package version

import (
	"context"
	"fmt"
	"strings"

	"lxcup/internal/command"
	"lxcup/internal/constants"
)

// Status is the version gate's classification of a target.
type Status int

const (
	// StatusUnknown means the marker could not be read (container stopped
	// or unreachable). Callers must treat this as skip-with-warning, not
	// as a failure.
	StatusUnknown Status = iota
	// StatusEligible means the container runs the expected prior release.
	StatusEligible
	// StatusUpToDate means the container already runs the goal release.
	StatusUpToDate
	// StatusUnsupported means the container runs some other release.
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusEligible:
		return "eligible"
	case StatusUpToDate:
		return "up-to-date"
	case StatusUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Probe reads the version marker inside the container via the node's
// runner. A read failure yields StatusUnknown with a nil error.
func Probe(ctx context.Context, node command.Runner, ctid int) (string, Status) {
	cmdline := command.Join("pct", "exec", fmt.Sprint(ctid), "--", "cat", constants.DebianVersionPath)
	res, err := node.Run(ctx, cmdline)
	if err != nil || res.ExitCode != 0 {
		return "", StatusUnknown
	}
	raw := strings.TrimSpace(res.Stdout)
	return raw, Classify(raw)
}

// Classify maps a version marker string onto the gate's classification.
func Classify(raw string) Status {
	switch {
	case raw == "":
		return StatusUnknown
	case strings.HasPrefix(raw, constants.GoalVersionPrefix+".") || raw == constants.GoalVersionPrefix:
		return StatusUpToDate
	case strings.HasPrefix(raw, constants.OldVersionPrefix+".") || raw == constants.OldVersionPrefix:
		return StatusEligible
	// Testing releases report "trixie/sid" style markers.
	case strings.HasPrefix(raw, constants.GoalRelease):
		return StatusUpToDate
	case strings.HasPrefix(raw, constants.OldRelease):
		return StatusEligible
	default:
		return StatusUnsupported
	}
}
