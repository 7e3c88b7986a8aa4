// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/steward/helper/uuid"
	"github.com/hashicorp/steward/steward/structs"
)

// TestAgent is an in-memory Agent for tests and the dev command. It records
// every call and can be programmed to fail specific operations.
type TestAgent struct {
	mu sync.Mutex

	// running maps jobID to nodeID for jobs started and not yet stopped.
	running map[string]string

	// Starts, Stops, Checkpoints and Pings record call arguments in order.
	Starts      []string
	Stops       []string
	Checkpoints []string
	Pings       []string

	// FailStart, FailStop, FailCheckpoint and FailPing make the matching
	// call return an agent error when set.
	FailStart      bool
	FailStop       bool
	FailCheckpoint bool
	FailPing       bool

	// NonDurable makes Checkpoint return a non-durable result.
	NonDurable bool
}

func NewTestAgent() *TestAgent {
	return &TestAgent{running: make(map[string]string)}
}

func (a *TestAgent) Start(_ context.Context, job *structs.Job, node *structs.Node, restoreHandle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Starts = append(a.Starts, fmt.Sprintf("%s@%s restore=%s", job.ID, node.ID, restoreHandle))
	if a.FailStart {
		return structs.NewAgentError(errors.New("start refused"))
	}
	a.running[job.ID] = node.ID
	return nil
}

func (a *TestAgent) Stop(_ context.Context, jobID, nodeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Stops = append(a.Stops, fmt.Sprintf("%s@%s", jobID, nodeID))
	if a.FailStop {
		return structs.NewAgentError(errors.New("stop refused"))
	}
	delete(a.running, jobID)
	return nil
}

func (a *TestAgent) Checkpoint(_ context.Context, jobID, nodeID string) (*CheckpointResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Checkpoints = append(a.Checkpoints, fmt.Sprintf("%s@%s", jobID, nodeID))
	if a.FailCheckpoint {
		return nil, structs.NewAgentError(errors.New("checkpoint refused"))
	}
	return &CheckpointResult{
		StorageHandle: "mem://" + uuid.Short(),
		SizeBytes:     1 << 20,
		Durable:       !a.NonDurable,
	}, nil
}

func (a *TestAgent) Ping(_ context.Context, nodeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Pings = append(a.Pings, nodeID)
	if a.FailPing {
		return structs.NewAgentError(errors.New("ping timeout"))
	}
	return nil
}

// Running reports whether the agent believes the job is running.
func (a *TestAgent) Running(jobID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.running[jobID]
	return ok
}
