// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/hashicorp/steward/steward/structs"
)

type TenantAddCommand struct {
	Meta
}

func (c *TenantAddCommand) Help() string {
	helpText := `
Usage: steward tenant add [options]

  Register a new tenant with its tier and capacity shares.

` + generalOptionsUsage() + `

Tenant Add Options:

  -id=<id>
    Tenant ID. Generated when omitted.

  -name=<name>
    Display name. Required.

  -tier=<tier>
    Service tier: premium, standard or basic. Defaults to standard.

  -guaranteed=<pct>
    Guaranteed capacity share in percent.

  -max=<pct>
    Maximum capacity share in percent, at least the guaranteed share.
`
	return strings.TrimSpace(helpText)
}

func (c *TenantAddCommand) Synopsis() string {
	return "Register a new tenant"
}

func (c *TenantAddCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(), complete.Flags{
		"-id":         complete.PredictAnything,
		"-name":       complete.PredictAnything,
		"-tier":       complete.PredictSet(structs.TenantTierPremium, structs.TenantTierStandard, structs.TenantTierBasic),
		"-guaranteed": complete.PredictAnything,
		"-max":        complete.PredictAnything,
	})
}

func (c *TenantAddCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TenantAddCommand) Name() string { return "tenant add" }

func (c *TenantAddCommand) Run(args []string) int {
	var id, name, tier string
	var guaranteed, max float64

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&id, "id", "", "")
	flags.StringVar(&name, "name", "", "")
	flags.StringVar(&tier, "tier", structs.TenantTierStandard, "")
	flags.Float64Var(&guaranteed, "guaranteed", 0, "")
	flags.Float64Var(&max, "max", 0, "")
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

	tenant := &structs.Tenant{
		ID:              id,
		Name:            name,
		Tier:            tier,
		GuaranteedShare: guaranteed,
		MaxShare:        max,
	}
	if err := orch.RegisterTenant(tenant); err != nil {
		c.Ui.Error(fmt.Sprintf("Error registering tenant: %s", err))
		return structs.ExitCode(err)
	}
	c.Ui.Output(fmt.Sprintf("Registered tenant %q (tier %s, %.0f%%-%.0f%%)",
		tenant.ID, tenant.Tier, tenant.GuaranteedShare, tenant.MaxShare))
	return 0
}
