// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent defines the boundary between the orchestrator core and the
// per-node execution agents. The core never shells out to workloads
// directly; everything flows through this interface so deployments can plug
// in their own runners.
package agent

import (
	"context"

	"github.com/hashicorp/steward/steward/structs"
)

// CheckpointResult is what an agent reports back from a capture request.
type CheckpointResult struct {
	// StorageHandle is the opaque restore reference.
	StorageHandle string

	SizeBytes int64

	// Durable is true once the capture is safely stored; a non-durable
	// result means the capture is in flight and a later capture must not
	// prune its predecessors.
	Durable bool
}

// Agent is the node-side execution surface. All calls take a context; a
// cancelled context means the orchestrator gave up waiting, not that the
// workload stopped.
type Agent interface {
	// Start launches the job on the node. A non-empty restoreHandle asks
	// the agent to resume from that checkpoint rather than from scratch.
	Start(ctx context.Context, job *structs.Job, node *structs.Node, restoreHandle string) error

	// Stop terminates the job on the node. Used for cancellation and for
	// migrations off a failing node.
	Stop(ctx context.Context, jobID, nodeID string) error

	// Checkpoint captures the job's state. The orchestrator serializes
	// capture requests per job; agents may assume no concurrent capture
	// for the same job.
	Checkpoint(ctx context.Context, jobID, nodeID string) (*CheckpointResult, error)

	// Ping probes node liveness out of band of the heartbeat stream.
	Ping(ctx context.Context, nodeID string) error
}
