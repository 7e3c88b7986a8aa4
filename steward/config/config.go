// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config loads and validates the orchestrator's HCL configuration.
// Unknown keys are rejected rather than ignored so a typoed option fails
// fast instead of silently running with defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/cronexpr"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/hashicorp/steward/steward/structs"
)

// Config is the orchestrator configuration.
type Config struct {
	// ResilienceLevel drives the checkpoint cadence: minimal, standard,
	// high or maximum.
	ResilienceLevel string `hcl:"resilience_level,optional"`

	// EnergyMode is performance, balanced or efficiency.
	EnergyMode string `hcl:"energy_mode,optional"`

	CycleIntervalSeconds    int `hcl:"cycle_interval_seconds,optional"`
	HeartbeatTimeoutSeconds int `hcl:"heartbeat_timeout_seconds,optional"`

	// ErrorThresholdPerTier overrides the failure-requeue budget per
	// tenant tier.
	ErrorThresholdPerTier map[string]int `hcl:"error_threshold_per_tier,optional"`

	// CheckpointIntervalOverrides replaces the per-level capture interval,
	// in minutes.
	CheckpointIntervalOverrides map[string]int `hcl:"checkpoint_interval_overrides,optional"`

	// DataDir is where the bbolt store lives. Empty disables persistence.
	DataDir string `hcl:"data_dir,optional"`

	// AuditPath is the NDJSON audit log file. Empty keeps the audit trail
	// in memory only.
	AuditPath string `hcl:"audit_path,optional"`

	// OffPeakSchedule is a cron expression marking the start of each
	// off-peak window.
	OffPeakSchedule string `hcl:"off_peak_schedule,optional"`

	LogLevel string `hcl:"log_level,optional"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		ResilienceLevel:         structs.ResilienceStandard,
		EnergyMode:              structs.EnergyModeBalanced,
		CycleIntervalSeconds:    30,
		HeartbeatTimeoutSeconds: 30,
		LogLevel:                "info",
	}
}

// Load parses the HCL file at path and merges it over the defaults.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes HCL source over the defaults. Unknown attributes and
// blocks surface as errors.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, structs.NewValidationError("failed to parse config: %v", diags)
	}

	c := DefaultConfig()
	if diags := gohcl.DecodeBody(file.Body, evalContext(), c); diags.HasErrors() {
		return nil, structs.NewValidationError("invalid config: %v", diagsError(diags))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var mErr multierror.Error
	if !structs.ValidResilienceLevel(c.ResilienceLevel) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid resilience level %q", c.ResilienceLevel))
	}
	if !structs.ValidEnergyMode(c.EnergyMode) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid energy mode %q", c.EnergyMode))
	}
	if c.CycleIntervalSeconds <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("cycle interval must be positive"))
	}
	if c.HeartbeatTimeoutSeconds <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("heartbeat timeout must be positive"))
	}
	for tier := range c.ErrorThresholdPerTier {
		switch tier {
		case structs.TenantTierPremium, structs.TenantTierStandard, structs.TenantTierBasic:
		default:
			mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown tenant tier %q in error thresholds", tier))
		}
	}
	for tier, v := range c.ErrorThresholdPerTier {
		if v < 1 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("error threshold for %q must be at least 1", tier))
		}
	}
	for level, minutes := range c.CheckpointIntervalOverrides {
		if !structs.ValidResilienceLevel(level) {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown resilience level %q in checkpoint overrides", level))
		}
		if minutes < 1 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("checkpoint interval for %q must be at least one minute", level))
		}
	}
	if c.OffPeakSchedule != "" {
		if _, err := cronexpr.Parse(c.OffPeakSchedule); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid off-peak schedule %q: %v", c.OffPeakSchedule, err))
		}
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "off":
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return structs.NewValidationError("invalid config: %v", err)
	}
	return nil
}

// CycleInterval returns the scheduling cadence as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the node TTL as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// CheckpointInterval returns the capture interval for the configured
// resilience level, with file overrides taking precedence.
func (c *Config) CheckpointInterval() time.Duration {
	if minutes, ok := c.CheckpointIntervalOverrides[c.ResilienceLevel]; ok {
		return time.Duration(minutes) * time.Minute
	}
	return structs.CheckpointInterval(c.ResilienceLevel)
}

// evalContext exposes process environment variables to the config file, so
// paths can be written as "${env.HOME}/steward".
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = cty.StringVal(kv[i+1:])
				break
			}
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}

func diagsError(diags hcl.Diagnostics) error {
	var mErr multierror.Error
	for _, d := range diags {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("%s", d.Error()))
	}
	return mErr.ErrorOrNil()
}
