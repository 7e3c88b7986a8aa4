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

type JobCancelCommand struct {
	Meta
}

func (c *JobCancelCommand) Help() string {
	helpText := `
Usage: steward job cancel [options] <job-id>

  Cancel a job. Pending and queued jobs cancel immediately; running jobs
  get a cooperative stop, forced through if the node does not acknowledge
  within the ack window.

` + generalOptionsUsage() + `

Job Cancel Options:

  -reason=<text>
    Reason recorded in the audit trail.
`
	return strings.TrimSpace(helpText)
}

func (c *JobCancelCommand) Synopsis() string {
	return "Cancel a job"
}

func (c *JobCancelCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(), complete.Flags{
		"-reason": complete.PredictAnything,
	})
}

func (c *JobCancelCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *JobCancelCommand) Name() string { return "job cancel" }

func (c *JobCancelCommand) Run(args []string) int {
	var reason string

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&reason, "reason", "cancelled by operator", "")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <job-id>")
		return 1
	}
	jobID := args[0]

	orch, err := c.Orchestrator()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing orchestrator: %s", err))
		return structs.ExitCode(err)
	}
	defer orch.Stop()

	if err := orch.CancelJob(context.Background(), jobID, reason); err != nil {
		c.Ui.Error(fmt.Sprintf("Error cancelling job: %s", err))
		return structs.ExitCode(err)
	}
	c.Ui.Output(fmt.Sprintf("Cancelled job %q", jobID))
	return 0
}
