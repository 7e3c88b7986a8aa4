// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
	"github.com/ryanuber/columnize"

	"github.com/hashicorp/steward/steward/stream"
	"github.com/hashicorp/steward/steward/structs"
)

type AuditListCommand struct {
	Meta
}

func (c *AuditListCommand) Help() string {
	helpText := `
Usage: steward audit list [options]

  List recent audit events from the in-memory window, newest last.

` + generalOptionsUsage() + `

Audit List Options:

  -kind=<kind>
    Restrict to one event kind.

  -subject=<type:id>
    Restrict to events touching the subject, e.g. job:abc123.

  -since=<seq>
    Only events with a sequence number strictly greater.
`
	return strings.TrimSpace(helpText)
}

func (c *AuditListCommand) Synopsis() string {
	return "List recent audit events"
}

func (c *AuditListCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(), complete.Flags{
		"-kind":    complete.PredictAnything,
		"-subject": complete.PredictAnything,
		"-since":   complete.PredictAnything,
	})
}

func (c *AuditListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *AuditListCommand) Name() string { return "audit list" }

func (c *AuditListCommand) Run(args []string) int {
	var kind, subject string
	var since uint64

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&kind, "kind", "", "")
	flags.StringVar(&subject, "subject", "", "")
	flags.Uint64Var(&since, "since", 0, "")
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

	filter := &stream.Filter{Subject: subject, SinceSeq: since}
	if kind != "" {
		filter.Kinds = []string{kind}
	}

	rows := []string{"Seq|Time|Kind|Actor|Subjects"}
	it := orch.Recorder().Query(filter)
	count := 0
	for event := it.Next(); event != nil; event = it.Next() {
		rows = append(rows, fmt.Sprintf("%d|%s|%s|%s|%s",
			event.Seq, event.TS.Format("15:04:05"), event.Kind, event.Actor,
			strings.Join(event.SubjectRefs, ",")))
		count++
	}
	if count == 0 {
		c.Ui.Output("No matching audit events in the retained window")
		return 0
	}
	c.Ui.Output(columnize.SimpleFormat(rows))
	return 0
}
