// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"github.com/posener/complete"

	"github.com/hashicorp/steward/version"
)

type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string {
	return "Usage: steward version\n\n  Print the steward version."
}

func (c *VersionCommand) Synopsis() string {
	return "Print the steward version"
}

func (c *VersionCommand) AutocompleteFlags() complete.Flags {
	return nil
}

func (c *VersionCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *VersionCommand) Name() string { return "version" }

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(version.GetVersion().FullVersionNumber(true))
	return 0
}
