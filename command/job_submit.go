// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/posener/complete"

	"github.com/hashicorp/steward/steward/structs"
)

type JobSubmitCommand struct {
	Meta
}

func (c *JobSubmitCommand) Help() string {
	helpText := `
Usage: steward job submit [options]

  Submit a job for a tenant. The job enters the pending status and is
  considered from the next scheduling cycle.

` + generalOptionsUsage() + `

Job Submit Options:

  -id=<id>
    Job ID. Generated when omitted.

  -tenant=<id>
    Owning tenant ID. Required.

  -name=<name>
    Display name. Required.

  -kind=<kind>
    Workload kind for performance history, e.g. render, sim.

  -priority=<class>
    Priority class: critical, high, medium or low. Defaults to medium.

  -deadline=<dur>
    Deadline as a duration from now, e.g. 8h.

  -duration=<dur>
    Estimated runtime, e.g. 45m.

  -cpu=<cores>, -memory=<gb>, -gpu=<count>, -storage=<gb>
    Resource requirements.

  -specializations=<list>
    Comma-separated required specializations.

  -depends=<list>
    Comma-separated job IDs that must complete first.

  -progressive
    Marks the job as emitting progressive output.
`
	return strings.TrimSpace(helpText)
}

func (c *JobSubmitCommand) Synopsis() string {
	return "Submit a job"
}

func (c *JobSubmitCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(), complete.Flags{
		"-id":              complete.PredictAnything,
		"-tenant":          complete.PredictAnything,
		"-name":            complete.PredictAnything,
		"-kind":            complete.PredictAnything,
		"-priority":        complete.PredictSet(structs.JobPriorityCritical, structs.JobPriorityHigh, structs.JobPriorityMedium, structs.JobPriorityLow),
		"-deadline":        complete.PredictAnything,
		"-duration":        complete.PredictAnything,
		"-cpu":             complete.PredictAnything,
		"-memory":          complete.PredictAnything,
		"-gpu":             complete.PredictAnything,
		"-storage":         complete.PredictAnything,
		"-specializations": complete.PredictAnything,
		"-depends":         complete.PredictAnything,
		"-progressive":     complete.PredictNothing,
	})
}

func (c *JobSubmitCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *JobSubmitCommand) Name() string { return "job submit" }

func (c *JobSubmitCommand) Run(args []string) int {
	var id, tenant, name, kind, priority, specs, depends string
	var deadline, duration time.Duration
	var cpu, memory, gpu, storage int
	var progressive bool

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&id, "id", "", "")
	flags.StringVar(&tenant, "tenant", "", "")
	flags.StringVar(&name, "name", "", "")
	flags.StringVar(&kind, "kind", "", "")
	flags.StringVar(&priority, "priority", structs.JobPriorityMedium, "")
	flags.DurationVar(&deadline, "deadline", 24*time.Hour, "")
	flags.DurationVar(&duration, "duration", time.Hour, "")
	flags.IntVar(&cpu, "cpu", 0, "")
	flags.IntVar(&memory, "memory", 0, "")
	flags.IntVar(&gpu, "gpu", 0, "")
	flags.IntVar(&storage, "storage", 0, "")
	flags.StringVar(&specs, "specializations", "", "")
	flags.StringVar(&depends, "depends", "", "")
	flags.BoolVar(&progressive, "progressive", false, "")
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

	job := &structs.Job{
		ID:                id,
		TenantID:          tenant,
		Name:              name,
		Kind:              kind,
		Priority:          priority,
		Deadline:          time.Now().Add(deadline),
		EstimatedDuration: duration,
		Requirements: &structs.Requirements{
			CPUCores:        cpu,
			MemoryGB:        memory,
			GPUCount:        gpu,
			StorageGB:       storage,
			Specializations: splitList(specs),
		},
		Dependencies:              splitList(depends),
		SupportsProgressiveOutput: progressive,
	}
	if err := orch.SubmitJob(job); err != nil {
		c.Ui.Error(fmt.Sprintf("Error submitting job: %s", err))
		return structs.ExitCode(err)
	}
	c.Ui.Output(fmt.Sprintf("Submitted job %q for tenant %q", job.ID, tenant))
	return 0
}
