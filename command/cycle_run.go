// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/hashicorp/steward/steward/structs"
)

type CycleRunCommand struct {
	Meta
}

func (c *CycleRunCommand) Help() string {
	helpText := `
Usage: steward cycle run [options]

  Execute one scheduling cycle immediately and print its report.

` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *CycleRunCommand) Synopsis() string {
	return "Run one scheduling cycle"
}

func (c *CycleRunCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *CycleRunCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *CycleRunCommand) Name() string { return "cycle run" }

func (c *CycleRunCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		return 1
	}

	orch, err := c.Orchestrator()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing orchestrator: %s", err))
		return structs.ExitCode(err)
	}
	defer orch.Stop()

	report, err := orch.RunCycle(context.Background())
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error running cycle: %s", err))
		return structs.ExitCode(err)
	}

	c.Ui.Output(fmt.Sprintf("Cycle completed in %s", report.Elapsed))
	c.Ui.Output(fmt.Sprintf("  Considered: %d (blocked on dependencies: %d)",
		report.ConsideredJobs, report.BlockedDeps))
	c.Ui.Output(fmt.Sprintf("  Scheduled:  %d", report.ScheduledJobs))
	c.Ui.Output(fmt.Sprintf("  Deferred:   %d", report.DeferredJobs))
	c.Ui.Output(fmt.Sprintf("  Unmatched:  %d", report.UnmatchedJobs))
	c.Ui.Output(fmt.Sprintf("  Utilization: %.0f%%", report.Utilization*100))
	if report.EnergySavingsPct != 0 {
		c.Ui.Output(fmt.Sprintf("  Energy savings: %.1f%%", report.EnergySavingsPct))
	}
	if len(report.IsolatedTenants) > 0 {
		c.Ui.Warn(fmt.Sprintf("  Isolated tenants: %s", strings.Join(report.IsolatedTenants, ", ")))
	}
	if len(report.Stragglers) > 0 {
		c.Ui.Warn(fmt.Sprintf("  Past-deadline jobs not running: %s", strings.Join(report.Stragglers, ", ")))
	}
	return 0
}
