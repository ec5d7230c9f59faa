// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	builtBinaryPath string
	buildOnce       sync.Once
	buildErr        error
)

// BinaryPath returns the path to the lxcup binary. It checks the
// LXCUP_BINARY environment variable first, then falls back to building the
// binary on first call. The build is performed only once per test run.
func BinaryPath() (string, error) {
	if p := os.Getenv("LXCUP_BINARY"); p != "" {
		return p, nil
	}
	buildOnce.Do(func() {
		builtBinaryPath, buildErr = buildBinary()
	})
	return builtBinaryPath, buildErr
}

func buildBinary() (string, error) {
	tmpDir, err := os.MkdirTemp("", "lxcup-e2e-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}

	outputPath := filepath.Join(tmpDir, "lxcup")

	// Find the module root by walking up from this file's directory
	_, thisFile, _, _ := runtime.Caller(0)
	moduleRoot := filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))

	cmd := exec.Command("go", "build", "-o", outputPath, "./cmd/lxcup")
	cmd.Dir = moduleRoot

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("building lxcup binary: %w\nstderr: %s", err, stderr.String())
	}

	return outputPath, nil
}

// StubTools writes fake pvesh/pct/vzdump executables into dir. Each tool is
// a shell script: scripts[tool] when provided, otherwise an exit-0 no-op.
// Prepending dir to PATH makes the prerequisite check pass and lets E2E
// tests script cluster responses.
func StubTools(dir string, scripts map[string]string) error {
	for _, tool := range []string{"pvesh", "pct", "vzdump"} {
		body, ok := scripts[tool]
		if !ok {
			body = "exit 0"
		}
		content := "#!/bin/sh\n" + body + "\n"
		if err := os.WriteFile(filepath.Join(dir, tool), []byte(content), 0o755); err != nil {
			return fmt.Errorf("writing stub %s: %w", tool, err)
		}
	}
	return nil
}

// RunLxcup executes the lxcup binary with the given arguments and extra
// environment entries, returning stdout, stderr, and the exit code.
func RunLxcup(extraEnv []string, args ...string) (stdout string, stderr string, exitCode int, err error) {
	binaryPath, err := BinaryPath()
	if err != nil {
		return "", "", -1, fmt.Errorf("getting binary path: %w", err)
	}

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, -1, runErr
	}
	return stdout, stderr, 0, nil
}
