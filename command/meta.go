// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"
	"io"
	"strings"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/hashicorp/steward/steward"
	"github.com/hashicorp/steward/steward/agent"
	"github.com/hashicorp/steward/steward/config"
)

// Meta contains the meta-options and functionality that nearly every
// steward command inherits.
type Meta struct {
	Ui cli.Ui

	// configPath is the HCL configuration file, set by -config.
	configPath string

	// logLevel overrides the configured log level, set by -log-level.
	logLevel string
}

// FlagSet returns a FlagSet with the common flags every command implements.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)
	f.StringVar(&m.configPath, "config", "", "")
	f.StringVar(&m.logLevel, "log-level", "", "")
	f.SetOutput(&uiErrorWriter{ui: m.Ui})
	return f
}

// AutocompleteFlags returns completions for the common flags.
func (m *Meta) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-config":    complete.PredictFiles("*.hcl"),
		"-log-level": complete.PredictSet("trace", "debug", "info", "warn", "error"),
	}
}

// Config loads the configuration file, or the defaults without one.
func (m *Meta) Config() (*config.Config, error) {
	if m.configPath == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(m.configPath)
	if err != nil {
		return nil, err
	}
	if m.logLevel != "" {
		cfg.LogLevel = m.logLevel
	}
	return cfg, nil
}

// Orchestrator builds a wired orchestrator from the configuration. The
// caller must Stop it to flush the audit trail and close the backend.
func (m *Meta) Orchestrator() (*steward.Orchestrator, error) {
	cfg, err := m.Config()
	if err != nil {
		return nil, err
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "steward",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	return steward.New(cfg, logger, agent.NoopAgent{})
}

// generalOptionsUsage is the shared flag documentation block.
func generalOptionsUsage() string {
	return strings.TrimSpace(`
General Options:

  -config=<path>
    Path to the HCL configuration file.

  -log-level=<level>
    Override the configured log level.
`)
}

// uiErrorWriter routes flag package output through the UI's error stream.
type uiErrorWriter struct {
	ui  cli.Ui
	buf strings.Builder
}

func (w *uiErrorWriter) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			w.ui.Error(w.buf.String())
			w.buf.Reset()
			continue
		}
		w.buf.WriteByte(b)
	}
	return len(data), nil
}

var _ io.Writer = (*uiErrorWriter)(nil)
