// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler implements the per-cycle control loop: priority
// recomputation, tenant capacity partitioning, job/node matching, energy
// optimization and commit of the resulting transitions.
//
// Decisions are computed against an immutable registry snapshot and applied
// through the Planner, so state observable outside a cycle is either
// entirely pre-cycle or entirely post-cycle.
package scheduler

import (
	"time"

	"github.com/hashicorp/steward/steward/structs"
)

// State is the read-only registry view the scheduler computes against.
// Implemented by state.StateSnapshot.
type State interface {
	Tenants() ([]*structs.Tenant, error)
	Nodes() ([]*structs.Node, error)
	Jobs() ([]*structs.Job, error)
	JobsByStatus(statuses ...string) ([]*structs.Job, error)
	JobsByTenant(tenantID string) ([]*structs.Job, error)
	JobByID(id string) (*structs.Job, error)
	NodeByID(id string) (*structs.Node, error)
	DependenciesSatisfied(job *structs.Job) (bool, error)
}

// Planner applies the cycle's decisions to the authoritative registry.
// Implemented by state.StateStore.
type Planner interface {
	ApplyTransition(req *structs.TransitionRequest) error
	SetJobEffectivePriorities(priorities map[string]*structs.EffectivePriority) error
}

// EventRecorder is the audit boundary. Implemented by stream.Recorder; the
// no-op default keeps tests and embedded use free of wiring.
type EventRecorder interface {
	Record(kind, actor string, subjectRefs []string, payload map[string]any, causes ...uint64) uint64
}

// NoopRecorder discards events.
type NoopRecorder struct{}

func (NoopRecorder) Record(string, string, []string, map[string]any, ...uint64) uint64 { return 0 }

// Assignment pairs a job with the node chosen for it this cycle.
type Assignment struct {
	Job   *structs.Job
	Node  *structs.Node
	Score float64

	// Deferred is set by the energy optimizer when the job is dropped from
	// the cycle; Reason explains why.
	Deferred bool
	Reason   string
}

// CycleReport summarizes one scheduling cycle.
type CycleReport struct {
	StartedAt time.Time
	Elapsed   time.Duration

	// ConsideredJobs counts runnable jobs seen this cycle; BlockedDeps of
	// those were held back by incomplete dependencies.
	ConsideredJobs int
	BlockedDeps    int

	ScheduledJobs int
	DeferredJobs  int

	// UnmatchedJobs had capacity but no acceptable node.
	UnmatchedJobs int

	// IsolatedTenants hit an invariant violation while committing and had
	// their remaining placements skipped for the cycle.
	IsolatedTenants []string

	// Utilization is busy online nodes over all online nodes, post-cycle.
	Utilization float64

	// EnergySavingsPct is the optimizer's estimate for this cycle's
	// placements.
	EnergySavingsPct float64

	// Stragglers lists jobs already past their deadline that are still not
	// running.
	Stragglers []string

	// Allocations is the capacity partition computed this cycle.
	Allocations map[string]*structs.Allocation
}
