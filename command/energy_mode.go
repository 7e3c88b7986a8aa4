// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/hashicorp/steward/steward/structs"
)

type EnergyModeCommand struct {
	Meta
}

func (c *EnergyModeCommand) Help() string {
	helpText := `
Usage: steward energy mode [options] <mode>

  Switch the energy policy: performance, balanced or efficiency. Running
  jobs are unaffected; the policy applies from the next cycle.

` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *EnergyModeCommand) Synopsis() string {
	return "Switch the energy policy"
}

func (c *EnergyModeCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *EnergyModeCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictSet(structs.EnergyModePerformance, structs.EnergyModeBalanced, structs.EnergyModeEfficiency)
}

func (c *EnergyModeCommand) Name() string { return "energy mode" }

func (c *EnergyModeCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 2
	}
	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <mode>")
		return 1
	}

	orch, err := c.Orchestrator()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing orchestrator: %s", err))
		return structs.ExitCode(err)
	}
	defer orch.Stop()

	if err := orch.SetEnergyMode(args[0]); err != nil {
		c.Ui.Error(fmt.Sprintf("Error setting energy mode: %s", err))
		return structs.ExitCode(err)
	}
	c.Ui.Output(fmt.Sprintf("Energy mode set to %q", args[0]))
	return 0
}
