// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides prefabricated entities for testing.
package mock

import (
	"time"

	"github.com/hashicorp/steward/helper/uuid"
	"github.com/hashicorp/steward/steward/structs"
)

func Tenant() *structs.Tenant {
	id := uuid.Short()
	return &structs.Tenant{
		ID:              "tenant-" + id,
		Name:            "mock-tenant-" + id,
		Tier:            structs.TenantTierStandard,
		GuaranteedShare: 20,
		MaxShare:        40,
	}
}

func Node() *structs.Node {
	id := uuid.Short()
	n := &structs.Node{
		ID:     "node-" + id,
		Name:   "mock-node-" + id,
		Status: structs.NodeStatusOnline,
		Capabilities: &structs.Capabilities{
			CPUCores:        16,
			MemoryGB:        64,
			StorageGB:       500,
			Specializations: []string{"render"},
			PowerWatts:      400,
		},
		LastHeartbeatAt: time.Now(),
	}
	if err := n.ComputeCapabilityHash(); err != nil {
		panic(err)
	}
	return n
}

// GPUNode is a Node with GPU capacity and an "ml" specialization.
func GPUNode() *structs.Node {
	n := Node()
	n.Capabilities.GPUCount = 4
	n.Capabilities.GPUModel = "a100"
	n.Capabilities.Specializations = []string{"ml"}
	n.Capabilities.PowerWatts = 900
	if err := n.ComputeCapabilityHash(); err != nil {
		panic(err)
	}
	return n
}

// Job returns a pending job owned by no particular tenant; callers set
// TenantID to a registered tenant before inserting it.
func Job() *structs.Job {
	id := uuid.Short()
	return &structs.Job{
		ID:       "job-" + id,
		TenantID: "tenant-" + uuid.Short(),
		Name:     "mock-job-" + id,
		Kind:     "render",
		Priority: structs.JobPriorityMedium,
		Status:   structs.JobStatusPending,
		Deadline: time.Now().Add(24 * time.Hour),
		Requirements: &structs.Requirements{
			CPUCores: 4,
			MemoryGB: 8,
		},
		EstimatedDuration: time.Hour,
		SubmitTime:        time.Now(),
	}
}

// JobForTenant returns a pending job owned by the tenant.
func JobForTenant(tenantID string) *structs.Job {
	j := Job()
	j.TenantID = tenantID
	return j
}

func Checkpoint(jobID string) *structs.Checkpoint {
	id := uuid.Short()
	return &structs.Checkpoint{
		ID:            "ckpt-" + id,
		JobID:         jobID,
		Kind:          structs.CheckpointKindPeriodic,
		Progress:      50,
		Durable:       true,
		StorageHandle: "mem://" + id,
		CreatedAt:     time.Now(),
	}
}

func FailureEvent(kind, jobID, nodeID string) *structs.FailureEvent {
	return &structs.FailureEvent{
		ID:         "fail-" + uuid.Short(),
		Kind:       kind,
		JobID:      jobID,
		NodeID:     nodeID,
		Severity:   structs.FailureSeverity(kind),
		DetectedAt: time.Now(),
	}
}
