// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package command abstracts shell command execution so the same quoted
// command line runs identically on the local host and over SSH.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result holds the captured output and exit status of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a single shell command line. A non-zero exit status is
// reported through Result.ExitCode, not through the error return; the error
// is reserved for transport failures (command could not be started, SSH
// connection lost).
type Runner interface {
	Run(ctx context.Context, cmdline string) (Result, error)
}

// Local runs command lines on the local host via /bin/sh so that quoting
// behaves the same as the SSH path, which also hands the line to a shell.
type Local struct{}

// Run executes cmdline with /bin/sh -c.
func (Local) Run(ctx context.Context, cmdline string) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return res, fmt.Errorf("running %q: %w", cmdline, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// Quote wraps a single argument in POSIX single quotes, escaping embedded
// single quotes, so it survives one level of shell evaluation unchanged.
func Quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, " \t\n\"'`$\\!*?[]{}()<>|&;~#") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// Join quotes each argument and joins them into one command line.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// RunChecked runs cmdline and converts a non-zero exit status into an error
// carrying the trailing stderr output.
func RunChecked(ctx context.Context, r Runner, cmdline string) (Result, error) {
	res, err := r.Run(ctx, cmdline)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("command %q exited %d: %s", cmdline, res.ExitCode, lastLines(res.Stderr, 3))
	}
	return res, nil
}

// lastLines returns the last n non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " / ")
}
