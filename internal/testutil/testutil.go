// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for unit and E2E tests:
// a scripted command runner and a builder for the lxcup binary.
package testutil

import (
	"context"
	"strings"
	"sync"

	"lxcup/internal/command"
)

// Stub pairs a substring match against the command line with the result to
// return. Stubs are checked in order; the first match wins.
type Stub struct {
	Match  string
	Result command.Result
	Err    error
}

// FakeRunner is a command.Runner that records every command line it is
// asked to run and answers from a stub table. Commands with no matching
// stub succeed with empty output.
type FakeRunner struct {
	mu       sync.Mutex
	commands []string
	stubs    []Stub
}

// Stub appends a scripted response.
func (f *FakeRunner) Stub(match string, result command.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs = append(f.stubs, Stub{Match: match, Result: result, Err: err})
}

// StubJSON scripts a successful response with the given stdout for any
// command line containing match.
func (f *FakeRunner) StubJSON(match, stdout string) {
	f.Stub(match, command.Result{Stdout: stdout}, nil)
}

// StubExit scripts a response with the given exit code.
func (f *FakeRunner) StubExit(match string, code int, stderr string) {
	f.Stub(match, command.Result{ExitCode: code, Stderr: stderr}, nil)
}

// Run implements command.Runner.
func (f *FakeRunner) Run(_ context.Context, cmdline string) (command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmdline)
	for _, s := range f.stubs {
		if strings.Contains(cmdline, s.Match) {
			return s.Result, s.Err
		}
	}
	return command.Result{}, nil
}

// Commands returns a copy of the recorded command lines.
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// CommandsMatching returns the recorded command lines containing match.
func (f *FakeRunner) CommandsMatching(match string) []string {
	var out []string
	for _, c := range f.Commands() {
		if strings.Contains(c, match) {
			out = append(out, c)
		}
	}
	return out
}

// Ran reports whether any recorded command line contains match.
func (f *FakeRunner) Ran(match string) bool {
	return len(f.CommandsMatching(match)) > 0
}
