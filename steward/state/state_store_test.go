// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
	"github.com/hashicorp/steward/helper/testlog"
	"github.com/hashicorp/steward/steward/mock"
	"github.com/hashicorp/steward/steward/structs"
)

func testStateStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)
	return store
}

func TestStateStore_AddTenant_Duplicate(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	must.NoError(t, store.AddTenant(tenant))

	err := store.AddTenant(tenant)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindDuplicate))
}

func TestStateStore_UpsertTenant_ShareInvariant(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	a := mock.Tenant()
	a.GuaranteedShare = 60
	a.MaxShare = 80
	must.NoError(t, store.AddTenant(a))

	b := mock.Tenant()
	b.GuaranteedShare = 50
	b.MaxShare = 70
	err := store.AddTenant(b)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindInvariant))

	// Exactly filling to 100 is allowed.
	b.GuaranteedShare = 40
	b.MaxShare = 70
	must.NoError(t, store.AddTenant(b))

	// Updating an existing tenant does not double-count its own share.
	a.GuaranteedShare = 55
	err = store.UpsertTenant(a)
	must.Error(t, err)
	a.GuaranteedShare = 60
	must.NoError(t, store.UpsertTenant(a))
}

func TestStateStore_AddNode(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	node := mock.Node()
	must.NoError(t, store.AddNode(node))

	err := store.AddNode(node)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindDuplicate))

	out, err := store.NodeByID(node.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, node.ID, out.ID)
	must.NonZero(t, out.CreateIndex)
}

func TestStateStore_TouchNodeHeartbeat_RevivesOffline(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	node := mock.Node()
	must.NoError(t, store.AddNode(node))
	must.NoError(t, store.UpdateNodeStatus(node.ID, structs.NodeStatusOffline, "test"))

	at := time.Now()
	must.NoError(t, store.TouchNodeHeartbeat(node.ID, at))

	out, err := store.NodeByID(node.ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeStatusOnline, out.Status)
	must.True(t, out.LastHeartbeatAt.Equal(at))
}

func TestStateStore_AddJob_References(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	must.NoError(t, store.AddTenant(tenant))

	// Unknown tenant is rejected.
	orphan := mock.Job()
	err := store.AddJob(orphan)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindNotFound))

	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, store.AddJob(job))

	// Unknown dependency is rejected.
	dep := mock.JobForTenant(tenant.ID)
	dep.Dependencies = []string{"job-missing"}
	err = store.AddJob(dep)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindNotFound))

	dep.Dependencies = []string{job.ID}
	must.NoError(t, store.AddJob(dep))

	dependents, err := store.DependentsOfJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 1, dependents)
	must.Eq(t, dep.ID, dependents[0].ID)
}

func TestStateStore_ApplyTransition_Lifecycle(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	node := mock.Node()
	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, store.AddTenant(tenant))
	must.NoError(t, store.AddNode(node))
	must.NoError(t, store.AddJob(job))

	// pending -> running attaches the node.
	must.NoError(t, store.ApplyTransition(&structs.TransitionRequest{
		JobID:      job.ID,
		FromStatus: structs.JobStatusPending,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     node.ID,
	}))

	out, _ := store.JobByID(job.ID)
	must.Eq(t, structs.JobStatusRunning, out.Status)
	must.Eq(t, node.ID, out.AssignedNodeID)

	n, _ := store.NodeByID(node.ID)
	must.Eq(t, job.ID, n.CurrentJobID)

	byNode, err := store.JobByNode(node.ID)
	must.NoError(t, err)
	must.Eq(t, job.ID, byNode.ID)

	// running -> completed detaches and forces progress to 100.
	must.NoError(t, store.ApplyTransition(&structs.TransitionRequest{
		JobID:      job.ID,
		FromStatus: structs.JobStatusRunning,
		ToStatus:   structs.JobStatusCompleted,
	}))

	out, _ = store.JobByID(job.ID)
	must.Eq(t, structs.JobStatusCompleted, out.Status)
	must.Eq(t, 100, out.Progress)
	must.Eq(t, "", out.AssignedNodeID)

	n, _ = store.NodeByID(node.ID)
	must.Eq(t, "", n.CurrentJobID)

	// Terminal statuses accept nothing further.
	err = store.ApplyTransition(&structs.TransitionRequest{
		JobID:      job.ID,
		FromStatus: structs.JobStatusCompleted,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     node.ID,
	})
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindIllegalTransition))
}

func TestStateStore_ApplyTransition_StaleFrom(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, store.AddTenant(tenant))
	must.NoError(t, store.AddJob(job))

	err := store.ApplyTransition(&structs.TransitionRequest{
		JobID:      job.ID,
		FromStatus: structs.JobStatusQueued,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     "node-1",
	})
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindIllegalTransition))
}

func TestStateStore_ApplyTransition_BusyNode(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	node := mock.Node()
	first := mock.JobForTenant(tenant.ID)
	second := mock.JobForTenant(tenant.ID)
	must.NoError(t, store.AddTenant(tenant))
	must.NoError(t, store.AddNode(node))
	must.NoError(t, store.AddJob(first))
	must.NoError(t, store.AddJob(second))

	must.NoError(t, store.ApplyTransition(&structs.TransitionRequest{
		JobID:      first.ID,
		FromStatus: structs.JobStatusPending,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     node.ID,
	}))

	err := store.ApplyTransition(&structs.TransitionRequest{
		JobID:      second.ID,
		FromStatus: structs.JobStatusPending,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     node.ID,
	})
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindInvariant))
}

func TestStateStore_ApplyTransition_DependencyGate(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	node := mock.Node()
	base := mock.JobForTenant(tenant.ID)
	child := mock.JobForTenant(tenant.ID)
	child.Dependencies = []string{base.ID}
	must.NoError(t, store.AddTenant(tenant))
	must.NoError(t, store.AddNode(node))
	must.NoError(t, store.AddJob(base))
	must.NoError(t, store.AddJob(child))

	err := store.ApplyTransition(&structs.TransitionRequest{
		JobID:      child.ID,
		FromStatus: structs.JobStatusPending,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     node.ID,
	})
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindInvariant))

	ok, err := store.DependenciesSatisfied(child)
	must.NoError(t, err)
	must.False(t, ok)
}

func TestStateStore_UpdateNodePerfHistory_EMA(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	node := mock.Node()
	must.NoError(t, store.AddNode(node))

	must.NoError(t, store.UpdateNodePerfHistory(node.ID, "render", 100, 0.8, true))
	out, _ := store.NodeByID(node.ID)
	stats := out.PerfHistory["render"]
	must.NotNil(t, stats)
	must.Eq(t, 1, stats.Samples)
	must.Eq(t, 100.0, stats.AvgRuntimeSeconds)
	must.Eq(t, 1.0, stats.SuccessRate)
	must.Eq(t, 0.8, stats.FitScore)

	// Second sample blends with alpha 0.3.
	must.NoError(t, store.UpdateNodePerfHistory(node.ID, "render", 200, 0.4, false))
	out, _ = store.NodeByID(node.ID)
	stats = out.PerfHistory["render"]
	must.Eq(t, 2, stats.Samples)
	must.InDelta(t, 130.0, stats.AvgRuntimeSeconds, 0.001)
	must.InDelta(t, 0.7, stats.SuccessRate, 0.001)
	must.InDelta(t, 0.68, stats.FitScore, 0.001)
}

func TestStateStore_Snapshot_Isolation(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	must.NoError(t, store.AddTenant(tenant))

	snap := store.Snapshot()

	// Writes after the snapshot are invisible to it.
	later := mock.Tenant()
	must.NoError(t, store.AddTenant(later))

	fromSnap, err := snap.Tenants()
	must.NoError(t, err)
	must.Len(t, 1, fromSnap)

	fromStore, err := store.Tenants()
	must.NoError(t, err)
	must.Len(t, 2, fromStore)
}

func TestStateStore_JobsByStatus(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	must.NoError(t, store.AddTenant(tenant))

	pending := mock.JobForTenant(tenant.ID)
	queued := mock.JobForTenant(tenant.ID)
	queued.Status = structs.JobStatusQueued
	must.NoError(t, store.AddJob(pending))
	must.NoError(t, store.AddJob(queued))

	jobs, err := store.JobsByStatus(structs.JobStatusPending, structs.JobStatusQueued)
	must.NoError(t, err)
	must.Len(t, 2, jobs)

	jobs, err = store.JobsByStatus(structs.JobStatusRunning)
	must.NoError(t, err)
	must.Len(t, 0, jobs)
}

func TestStateStore_Checkpoints(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, store.AddTenant(tenant))
	must.NoError(t, store.AddJob(job))

	early := mock.Checkpoint(job.ID)
	early.CreatedAt = time.Now().Add(-time.Hour)
	early.Durable = true
	late := mock.Checkpoint(job.ID)
	late.Durable = false
	must.NoError(t, store.UpsertCheckpoint(early))
	must.NoError(t, store.UpsertCheckpoint(late))

	cps, err := store.CheckpointsByJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 2, cps)
	must.Eq(t, early.ID, cps[0].ID)

	// Latest durable skips the newer non-durable capture.
	durable, err := store.LatestDurableCheckpoint(job.ID)
	must.NoError(t, err)
	must.NotNil(t, durable)
	must.Eq(t, early.ID, durable.ID)

	must.NoError(t, store.DeleteCheckpoint(early.ID))
	durable, err = store.LatestDurableCheckpoint(job.ID)
	must.NoError(t, err)
	must.Nil(t, durable)
}

func TestStateStore_FailuresAndPlans(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, store.AddTenant(tenant))
	must.NoError(t, store.AddJob(job))

	f := mock.FailureEvent(structs.FailureJobCrash, job.ID, "")
	must.NoError(t, store.UpsertFailureEvent(f))

	unresolved, err := store.UnresolvedFailures()
	must.NoError(t, err)
	must.Len(t, 1, unresolved)

	// Plans must reference a recorded failure.
	orphanPlan := &structs.RecoveryPlan{
		ID:        "plan-x",
		FailureID: "missing",
		Action:    structs.RecoveryActionRestart,
		State:     structs.PlanStateCreated,
	}
	err = store.UpsertRecoveryPlan(orphanPlan)
	must.Error(t, err)

	plan := &structs.RecoveryPlan{
		ID:        "plan-1",
		FailureID: f.ID,
		Action:    structs.RecoveryActionRestart,
		State:     structs.PlanStateCreated,
		CreatedAt: time.Now(),
	}
	must.NoError(t, store.UpsertRecoveryPlan(plan))

	f.Resolved = true
	f.ResolutionRef = plan.ID
	must.NoError(t, store.UpsertFailureEvent(f))

	unresolved, err = store.UnresolvedFailures()
	must.NoError(t, err)
	must.Len(t, 0, unresolved)

	plans, err := store.RecoveryPlansByFailure(f.ID)
	must.NoError(t, err)
	must.Len(t, 1, plans)
}

func TestStateStore_UpdateJobPriority_NoPreemption(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	tenant := mock.Tenant()
	node := mock.Node()
	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, store.AddTenant(tenant))
	must.NoError(t, store.AddNode(node))
	must.NoError(t, store.AddJob(job))

	must.NoError(t, store.ApplyTransition(&structs.TransitionRequest{
		JobID:      job.ID,
		FromStatus: structs.JobStatusPending,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     node.ID,
	}))

	// Raising priority does not dislodge the placement.
	must.NoError(t, store.UpdateJobPriority(job.ID, structs.JobPriorityCritical))
	out, _ := store.JobByID(job.ID)
	must.Eq(t, structs.JobPriorityCritical, out.Priority)
	must.Eq(t, structs.JobStatusRunning, out.Status)
	must.Eq(t, node.ID, out.AssignedNodeID)

	must.Error(t, store.UpdateJobPriority(job.ID, "bogus"))
}
