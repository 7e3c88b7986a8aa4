// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/posener/complete"
	"github.com/ryanuber/columnize"

	"github.com/hashicorp/steward/steward/structs"
)

type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: steward status [options]

  Show tenants, nodes and jobs known to the orchestrator.

` + generalOptionsUsage() + `

Status Options:

  -tenant=<id>
    Restrict the job listing to one tenant.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Show orchestrator status"
}

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(), complete.Flags{
		"-tenant": complete.PredictAnything,
	})
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	var tenantFilter string

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&tenantFilter, "tenant", "", "")
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
	store := orch.State()

	tenants, err := store.Tenants()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing tenants: %s", err))
		return structs.ExitCode(err)
	}
	if len(tenants) > 0 {
		rows := []string{"ID|Name|Tier|Guaranteed|Max"}
		for _, t := range tenants {
			rows = append(rows, fmt.Sprintf("%s|%s|%s|%.0f%%|%.0f%%",
				t.ID, t.Name, t.Tier, t.GuaranteedShare, t.MaxShare))
		}
		c.Ui.Output("Tenants")
		c.Ui.Output(columnize.SimpleFormat(rows))
		c.Ui.Output("")
	}

	nodes, err := store.Nodes()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing nodes: %s", err))
		return structs.ExitCode(err)
	}
	if len(nodes) > 0 {
		rows := []string{"ID|Name|Status|Job|Last Heartbeat"}
		for _, n := range nodes {
			hb := "never"
			if !n.LastHeartbeatAt.IsZero() {
				hb = humanize.Time(n.LastHeartbeatAt)
			}
			job := n.CurrentJobID
			if job == "" {
				job = "-"
			}
			rows = append(rows, fmt.Sprintf("%s|%s|%s|%s|%s",
				n.ID, n.Name, n.Status, job, hb))
		}
		c.Ui.Output("Nodes")
		c.Ui.Output(columnize.SimpleFormat(rows))
		c.Ui.Output("")
	}

	var jobs []*structs.Job
	if tenantFilter != "" {
		jobs, err = store.JobsByTenant(tenantFilter)
	} else {
		jobs, err = store.Jobs()
	}
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing jobs: %s", err))
		return structs.ExitCode(err)
	}
	if len(jobs) > 0 {
		rows := []string{"ID|Tenant|Priority|Status|Progress|Node|Deadline"}
		for _, j := range jobs {
			node := j.AssignedNodeID
			if node == "" {
				node = "-"
			}
			deadline := "-"
			if !j.Deadline.IsZero() {
				if j.Deadline.Before(time.Now()) && !j.TerminalStatus() {
					deadline = "OVERDUE"
				} else {
					deadline = humanize.Time(j.Deadline)
				}
			}
			rows = append(rows, fmt.Sprintf("%s|%s|%s|%s|%.0f%%|%s|%s",
				j.ID, j.TenantID, j.Priority, j.Status, j.Progress, node, deadline))
		}
		c.Ui.Output("Jobs")
		c.Ui.Output(columnize.SimpleFormat(rows))
	}

	if len(tenants) == 0 && len(nodes) == 0 && len(jobs) == 0 {
		c.Ui.Output("No tenants, nodes or jobs registered")
	}
	return 0
}
