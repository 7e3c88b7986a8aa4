// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/hashicorp/steward/steward/structs"
)

type JobPriorityCommand struct {
	Meta
}

func (c *JobPriorityCommand) Help() string {
	helpText := `
Usage: steward job priority [options] <job-id> <priority>

  Change a job's priority class. A running job keeps its node; the new
  class applies from the next scheduling cycle.

` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *JobPriorityCommand) Synopsis() string {
	return "Change a job's priority class"
}

func (c *JobPriorityCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *JobPriorityCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *JobPriorityCommand) Name() string { return "job priority" }

func (c *JobPriorityCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 2
	}
	args = flags.Args()
	if len(args) != 2 {
		c.Ui.Error("This command takes two arguments: <job-id> <priority>")
		return 1
	}

	orch, err := c.Orchestrator()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing orchestrator: %s", err))
		return structs.ExitCode(err)
	}
	defer orch.Stop()

	if err := orch.SetJobPriority(args[0], args[1]); err != nil {
		c.Ui.Error(fmt.Sprintf("Error updating priority: %s", err))
		return structs.ExitCode(err)
	}
	c.Ui.Output(fmt.Sprintf("Updated job %q to priority %q", args[0], args[1]))
	return 0
}
