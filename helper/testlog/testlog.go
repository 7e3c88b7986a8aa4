// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package testlog creates hclog loggers backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogLevel returns the level of logs to emit during tests, defaulting to
// warn to keep output readable.
func LogLevel() string {
	if testLevel := os.Getenv("STEWARD_TEST_LOG_LEVEL"); testLevel != "" {
		return testLevel
	}
	return "warn"
}

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...any)
	Name() string
}

// writer implements io.Writer on top of a Logger.
type writer struct {
	t Logger
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer backed by a Logger.
func NewWriter(t Logger) io.Writer {
	return &writer{t}
}

// HCLogger returns an hclog.Logger which logs through t.Logf, so output is
// associated with the test that produced it and hidden unless the test
// fails or -v is set.
func HCLogger(t Logger) hclog.Logger {
	level := LogLevel()
	opts := &hclog.LoggerOptions{
		Name:            t.Name(),
		Level:           hclog.LevelFromString(level),
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.New(opts)
}
