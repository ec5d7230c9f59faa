// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the run logger: colored leveled console output
// teed with a plain timestamped log file that captures the whole run.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to both stderr (colored, human-oriented) and
// a timestamped file under logDir, plus the path of that file. If logDir
// cannot be created the file half falls back to the system temp directory.
func New(verbose bool, logDir string) (*zap.Logger, string, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	path, file, err := openLogFile(logDir)
	if err != nil {
		return nil, "", err
	}

	fileCfg := zap.NewDevelopmentEncoderConfig()
	fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(fileCfg),
		zapcore.AddSync(file),
		zapcore.DebugLevel,
	)

	return zap.New(zapcore.NewTee(consoleCore, fileCore)), path, nil
}

func openLogFile(logDir string) (string, *os.File, error) {
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logDir = os.TempDir()
	}
	name := fmt.Sprintf("lxcup-%s.log", time.Now().Format("20060102-150405"))
	path := filepath.Join(logDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log %s: %w", path, err)
	}
	return path, file, nil
}
