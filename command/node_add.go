// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/hashicorp/steward/steward/structs"
)

type NodeAddCommand struct {
	Meta
}

func (c *NodeAddCommand) Help() string {
	helpText := `
Usage: steward node add [options]

  Register a compute node with its capability vector. The node starts
  online and its heartbeat TTL is armed immediately.

` + generalOptionsUsage() + `

Node Add Options:

  -id=<id>
    Node ID. Generated when omitted.

  -name=<name>
    Display name. Required.

  -cpu=<cores>
    CPU core count.

  -memory=<gb>
    Memory in GB.

  -gpu=<count>
    GPU count.

  -gpu-model=<model>
    GPU model name.

  -storage=<gb>
    Storage in GB.

  -specializations=<list>
    Comma-separated workload specializations, e.g. render,sim.

  -power=<watts>
    Estimated full-load power draw in watts.
`
	return strings.TrimSpace(helpText)
}

func (c *NodeAddCommand) Synopsis() string {
	return "Register a compute node"
}

func (c *NodeAddCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(), complete.Flags{
		"-id":              complete.PredictAnything,
		"-name":            complete.PredictAnything,
		"-cpu":             complete.PredictAnything,
		"-memory":          complete.PredictAnything,
		"-gpu":             complete.PredictAnything,
		"-gpu-model":       complete.PredictAnything,
		"-storage":         complete.PredictAnything,
		"-specializations": complete.PredictAnything,
		"-power":           complete.PredictAnything,
	})
}

func (c *NodeAddCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *NodeAddCommand) Name() string { return "node add" }

func (c *NodeAddCommand) Run(args []string) int {
	var id, name, gpuModel, specs string
	var cpu, memory, gpu, storage, power int

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&id, "id", "", "")
	flags.StringVar(&name, "name", "", "")
	flags.IntVar(&cpu, "cpu", 0, "")
	flags.IntVar(&memory, "memory", 0, "")
	flags.IntVar(&gpu, "gpu", 0, "")
	flags.StringVar(&gpuModel, "gpu-model", "", "")
	flags.IntVar(&storage, "storage", 0, "")
	flags.StringVar(&specs, "specializations", "", "")
	flags.IntVar(&power, "power", 0, "")
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

	node := &structs.Node{
		ID:     id,
		Name:   name,
		Status: structs.NodeStatusOnline,
		Capabilities: &structs.Capabilities{
			CPUCores:        cpu,
			MemoryGB:        memory,
			GPUCount:        gpu,
			GPUModel:        gpuModel,
			StorageGB:       storage,
			Specializations: splitList(specs),
			PowerWatts:      power,
		},
	}
	if err := orch.RegisterNode(node); err != nil {
		c.Ui.Error(fmt.Sprintf("Error registering node: %s", err))
		return structs.ExitCode(err)
	}
	c.Ui.Output(fmt.Sprintf("Registered node %q (%d cores, %d GB)", node.ID, cpu, memory))
	return 0
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
