// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
	"github.com/hashicorp/steward/helper/testlog"
	"github.com/hashicorp/steward/steward/agent"
	"github.com/hashicorp/steward/steward/mock"
	"github.com/hashicorp/steward/steward/state"
	"github.com/hashicorp/steward/steward/structs"
)

// eventRecorder collects audit event kinds in order.
type eventRecorder struct {
	seq   uint64
	kinds []string
}

func (r *eventRecorder) Record(kind, actor string, refs []string, payload map[string]any, causes ...uint64) uint64 {
	r.seq++
	r.kinds = append(r.kinds, kind)
	return r.seq
}

func (r *eventRecorder) has(kind string) bool {
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type harness struct {
	store    *state.StateStore
	agent    *agent.TestAgent
	coord    *Coordinator
	recorder *eventRecorder
}

func newHarness(t *testing.T, level string) *harness {
	logger := testlog.HCLogger(t)

	store, err := state.NewStateStore(logger)
	must.NoError(t, err)

	ag := agent.NewTestAgent()
	recorder := &eventRecorder{}
	coord, err := NewCoordinator(logger, store, ag, recorder, level)
	must.NoError(t, err)

	return &harness{store: store, agent: ag, coord: coord, recorder: recorder}
}

// runningJob registers a tenant, node and job and moves the job to running.
func (h *harness) runningJob(t *testing.T) *structs.Job {
	tenant := mock.Tenant()
	must.NoError(t, h.store.AddTenant(tenant))

	node := mock.Node()
	must.NoError(t, h.store.AddNode(node))

	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, h.store.AddJob(job))
	must.NoError(t, h.store.ApplyTransition(&structs.TransitionRequest{
		JobID:      job.ID,
		FromStatus: structs.JobStatusPending,
		ToStatus:   structs.JobStatusRunning,
		NodeID:     node.ID,
		Reason:     "scheduled",
		At:         time.Now(),
	}))

	got, err := h.store.JobByID(job.ID)
	must.NoError(t, err)
	return got
}

func TestNewCoordinator_InvalidLevel(t *testing.T) {
	ci.Parallel(t)

	logger := testlog.HCLogger(t)
	store, err := state.NewStateStore(logger)
	must.NoError(t, err)

	_, err = NewCoordinator(logger, store, agent.NewTestAgent(), &eventRecorder{}, "paranoid")
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindValidation))
}

func TestCoordinator_IntervalPerLevel(t *testing.T) {
	ci.Parallel(t)

	for level, want := range map[string]time.Duration{
		structs.ResilienceMinimal:  120 * time.Minute,
		structs.ResilienceStandard: 60 * time.Minute,
		structs.ResilienceHigh:     30 * time.Minute,
		structs.ResilienceMaximum:  15 * time.Minute,
	} {
		h := newHarness(t, level)
		must.Eq(t, want, h.coord.Interval())
	}

	h := newHarness(t, structs.ResilienceStandard)
	h.coord.SetInterval(10 * time.Minute)
	must.Eq(t, 10*time.Minute, h.coord.Interval())

	// Non-positive overrides are ignored.
	h.coord.SetInterval(0)
	must.Eq(t, 10*time.Minute, h.coord.Interval())
}

func TestCoordinator_Capture(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceStandard)
	job := h.runningJob(t)

	var hooked *structs.Checkpoint
	h.coord.SetHooks(func(cp *structs.Checkpoint) { hooked = cp }, nil)

	cp, err := h.coord.Capture(context.Background(), job.ID, structs.CheckpointKindStageComplete)
	must.NoError(t, err)
	must.NotNil(t, cp)
	must.Eq(t, job.ID, cp.JobID)
	must.Eq(t, structs.CheckpointKindStageComplete, cp.Kind)
	must.True(t, cp.Durable)
	must.NotEq(t, "", cp.StorageHandle)
	must.Eq(t, cp, hooked)

	must.Eq(t, []string{job.ID + "@" + job.AssignedNodeID}, h.agent.Checkpoints)

	// The registry recorded both the checkpoint and the capture time.
	stored, err := h.store.CheckpointsByJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 1, stored)

	got, err := h.store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, cp.CreatedAt, got.LastCheckpointAt)
}

func TestCoordinator_Capture_NotRunning(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceStandard)

	tenant := mock.Tenant()
	must.NoError(t, h.store.AddTenant(tenant))
	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, h.store.AddJob(job))

	// Pending jobs are skipped without error.
	cp, err := h.coord.Capture(context.Background(), job.ID, structs.CheckpointKindPeriodic)
	must.NoError(t, err)
	must.Nil(t, cp)
	must.Len(t, 0, h.agent.Checkpoints)

	_, err = h.coord.Capture(context.Background(), "job-missing", structs.CheckpointKindPeriodic)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindNotFound))
}

func TestCoordinator_Capture_AgentError(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceStandard)
	job := h.runningJob(t)
	h.agent.FailCheckpoint = true

	_, err := h.coord.Capture(context.Background(), job.ID, structs.CheckpointKindPeriodic)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindAgent))

	stored, err := h.store.CheckpointsByJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 0, stored)

	// The failed capture is still observable in the audit trail.
	must.True(t, h.recorder.has(structs.AuditCheckpointFailed))
	must.False(t, h.recorder.has(structs.AuditCheckpointCreated))
}

func TestCoordinator_Tick(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceStandard)
	job := h.runningJob(t)

	start := time.Now()
	h.coord.TrackJob(job.ID, start)

	// Nothing due before the interval elapses.
	h.coord.Tick(context.Background(), start.Add(h.coord.Interval()-time.Minute))
	must.Len(t, 0, h.agent.Checkpoints)

	// Due at the interval; captured and rescheduled.
	h.coord.Tick(context.Background(), start.Add(h.coord.Interval()))
	must.Len(t, 1, h.agent.Checkpoints)

	h.coord.Tick(context.Background(), start.Add(2*h.coord.Interval()))
	must.Len(t, 2, h.agent.Checkpoints)
}

func TestCoordinator_Tick_Untracked(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceStandard)
	job := h.runningJob(t)

	start := time.Now()
	h.coord.TrackJob(job.ID, start)
	h.coord.UntrackJob(job.ID)

	// The stale heap entry is skipped lazily.
	h.coord.Tick(context.Background(), start.Add(2*h.coord.Interval()))
	must.Len(t, 0, h.agent.Checkpoints)
}

func TestCoordinator_ObserveProgress(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceMaximum)
	job := h.runningJob(t)
	h.coord.TrackJob(job.ID, time.Now())

	ctx := context.Background()

	// Below the delta: no capture.
	must.NoError(t, h.store.UpdateJobProgress(job.ID, 10))
	h.coord.ObserveProgress(ctx, job.ID, 10)
	must.Len(t, 0, h.agent.Checkpoints)

	// Crossing the 25-point delta triggers one.
	must.NoError(t, h.store.UpdateJobProgress(job.ID, 30))
	h.coord.ObserveProgress(ctx, job.ID, 30)
	must.Len(t, 1, h.agent.Checkpoints)

	// Another small step after the capture: nothing.
	must.NoError(t, h.store.UpdateJobProgress(job.ID, 40))
	h.coord.ObserveProgress(ctx, job.ID, 40)
	must.Len(t, 1, h.agent.Checkpoints)

	// A second 25-point jump from the captured progress triggers again.
	must.NoError(t, h.store.UpdateJobProgress(job.ID, 55))
	h.coord.ObserveProgress(ctx, job.ID, 55)
	must.Len(t, 2, h.agent.Checkpoints)
}

func TestCoordinator_ObserveProgress_LowerLevels(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceHigh)
	job := h.runningJob(t)
	h.coord.TrackJob(job.ID, time.Now())

	must.NoError(t, h.store.UpdateJobProgress(job.ID, 90))
	h.coord.ObserveProgress(context.Background(), job.ID, 90)
	must.Len(t, 0, h.agent.Checkpoints)
}

func TestCoordinator_Prune(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceStandard)
	job := h.runningJob(t)

	var pruned []string
	h.coord.SetHooks(nil, func(id string) { pruned = append(pruned, id) })

	// Seed three older checkpoints by hand, oldest first.
	base := time.Now().Add(-time.Hour)
	var seeded []*structs.Checkpoint
	for i := 0; i < 3; i++ {
		cp := mock.Checkpoint(job.ID)
		cp.ID = fmt.Sprintf("ckpt-old-%d", i)
		cp.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		must.NoError(t, h.store.UpsertCheckpoint(cp))
		seeded = append(seeded, cp)
	}

	// A new durable capture keeps itself plus one predecessor.
	cp, err := h.coord.Capture(context.Background(), job.ID, structs.CheckpointKindPeriodic)
	must.NoError(t, err)
	must.NotNil(t, cp)

	remaining, err := h.store.CheckpointsByJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 2, remaining)
	must.Eq(t, seeded[2].ID, remaining[0].ID)
	must.Eq(t, cp.ID, remaining[1].ID)
	must.Eq(t, []string{seeded[0].ID, seeded[1].ID}, pruned)
}

func TestCoordinator_Prune_NonDurableRetained(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, structs.ResilienceStandard)
	job := h.runningJob(t)
	h.agent.NonDurable = true

	old := mock.Checkpoint(job.ID)
	old.CreatedAt = time.Now().Add(-time.Hour)
	must.NoError(t, h.store.UpsertCheckpoint(old))

	// A non-durable capture must not trigger pruning of the older durable
	// checkpoint.
	cp, err := h.coord.Capture(context.Background(), job.ID, structs.CheckpointKindPeriodic)
	must.NoError(t, err)
	must.False(t, cp.Durable)

	remaining, err := h.store.CheckpointsByJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 2, remaining)
}
