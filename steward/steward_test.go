// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package steward

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
	"github.com/hashicorp/steward/helper/testlog"
	"github.com/hashicorp/steward/steward/agent"
	"github.com/hashicorp/steward/steward/config"
	"github.com/hashicorp/steward/steward/mock"
	"github.com/hashicorp/steward/steward/stream"
	"github.com/hashicorp/steward/steward/structs"
)

type testHarness struct {
	agent *agent.TestAgent
	orch  *Orchestrator
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *testHarness {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ag := agent.NewTestAgent()
	o, err := New(cfg, testlog.HCLogger(t), ag)
	must.NoError(t, err)
	t.Cleanup(o.Stop)
	return &testHarness{agent: ag, orch: o}
}

// seed registers a tenant that may use the whole pool and one node, so a
// single job always finds capacity.
func (h *testHarness) seed(t *testing.T) (*structs.Tenant, *structs.Node) {
	tenant := mock.Tenant()
	tenant.GuaranteedShare = 100
	tenant.MaxShare = 100
	must.NoError(t, h.orch.RegisterTenant(tenant))

	node := mock.Node()
	must.NoError(t, h.orch.RegisterNode(node))
	return tenant, node
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	ci.Parallel(t)

	h := newTestOrchestrator(t, nil)
	tenant, node := h.seed(t)
	ctx := context.Background()

	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, h.orch.SubmitJob(job))

	report, err := h.orch.RunCycle(ctx)
	must.NoError(t, err)
	must.Eq(t, 1, report.ScheduledJobs)

	got, err := h.orch.State().JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusRunning, got.Status)
	must.Eq(t, node.ID, got.AssignedNodeID)
	must.Eq(t, []string{job.ID + "@" + node.ID + " restore="}, h.agent.Starts)
	must.True(t, h.agent.Running(job.ID))

	must.NoError(t, h.orch.JobProgress(ctx, job.ID, 50))
	must.NoError(t, h.orch.JobCompleted(job.ID, 30*time.Minute))

	got, err = h.orch.State().JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusCompleted, got.Status)

	// The node is free again and carries a fresh performance sample for the
	// job kind.
	gotNode, err := h.orch.State().NodeByID(node.ID)
	must.NoError(t, err)
	must.Eq(t, "", gotNode.CurrentJobID)
	stats := gotNode.PerfHistory[job.Kind]
	must.NotNil(t, stats)
	must.Eq(t, 1, stats.Samples)
	must.Eq(t, 1.0, stats.SuccessRate)

	it := h.orch.Recorder().Query(&stream.Filter{Kinds: []string{structs.AuditJobCompleted}})
	must.NotNil(t, it.Next())
}

func TestOrchestrator_RestoreAfterCrash(t *testing.T) {
	ci.Parallel(t)

	h := newTestOrchestrator(t, nil)
	tenant, node := h.seed(t)
	ctx := context.Background()

	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, h.orch.SubmitJob(job))
	_, err := h.orch.RunCycle(ctx)
	must.NoError(t, err)

	// A stage boundary at 50% leaves a durable checkpoint behind; the crash
	// happens later at 60%.
	must.NoError(t, h.orch.JobProgress(ctx, job.ID, 50))
	must.NoError(t, h.orch.StageCompleted(ctx, job.ID))
	must.NoError(t, h.orch.JobProgress(ctx, job.ID, 60))

	cps, err := h.orch.State().CheckpointsByJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 1, cps)
	cp := cps[0]

	must.NoError(t, h.orch.JobFailed(ctx, job.ID, structs.FailureJobCrash, time.Minute))

	got, err := h.orch.State().JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusQueued, got.Status)
	must.Eq(t, cp.ID, got.RestoreCheckpointID)
	must.Eq(t, 1, got.ErrorCount)

	// The next cycle re-places the job and hands the checkpoint handle to
	// the agent; progress winds back to the captured point.
	_, err = h.orch.RunCycle(ctx)
	must.NoError(t, err)

	must.Len(t, 2, h.agent.Starts)
	must.Eq(t, job.ID+"@"+node.ID+" restore="+cp.StorageHandle, h.agent.Starts[1])

	got, err = h.orch.State().JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusRunning, got.Status)
	must.Eq(t, "", got.RestoreCheckpointID)
	must.Eq(t, cp.Progress, got.Progress)
}

func TestOrchestrator_StartFailureRequeues(t *testing.T) {
	ci.Parallel(t)

	h := newTestOrchestrator(t, nil)
	tenant, _ := h.seed(t)
	ctx := context.Background()

	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, h.orch.SubmitJob(job))

	h.agent.FailStart = true
	_, err := h.orch.RunCycle(ctx)
	must.NoError(t, err)

	got, err := h.orch.State().JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusQueued, got.Status)
	must.Eq(t, 1, got.ErrorCount)

	// Once the agent behaves the job lands on its second attempt.
	h.agent.FailStart = false
	_, err = h.orch.RunCycle(ctx)
	must.NoError(t, err)

	got, err = h.orch.State().JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusRunning, got.Status)
}

func TestOrchestrator_SubmitJob(t *testing.T) {
	ci.Parallel(t)

	h := newTestOrchestrator(t, nil)
	tenant, _ := h.seed(t)

	// Missing fields are defaulted at submit time.
	job := mock.JobForTenant(tenant.ID)
	job.ID = ""
	job.Status = ""
	job.SubmitTime = time.Time{}
	must.NoError(t, h.orch.SubmitJob(job))
	must.StrHasPrefix(t, "job-", job.ID)
	must.Eq(t, structs.JobStatusPending, job.Status)
	must.False(t, job.SubmitTime.IsZero())

	bad := mock.JobForTenant(tenant.ID)
	bad.Priority = "extreme"
	err := h.orch.SubmitJob(bad)
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindValidation))
}

func TestOrchestrator_SetJobPriority(t *testing.T) {
	ci.Parallel(t)

	h := newTestOrchestrator(t, nil)
	tenant, _ := h.seed(t)

	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, h.orch.SubmitJob(job))

	must.NoError(t, h.orch.SetJobPriority(job.ID, structs.JobPriorityCritical))
	got, err := h.orch.State().JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobPriorityCritical, got.Priority)

	err = h.orch.SetJobPriority(job.ID, "extreme")
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindValidation))
}

func TestOrchestrator_PersistenceRoundtrip(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.AuditPath = filepath.Join(dir, "audit.ndjson")

	ag := agent.NewTestAgent()
	o, err := New(cfg, testlog.HCLogger(t), ag)
	must.NoError(t, err)

	tenant := mock.Tenant()
	tenant.GuaranteedShare = 100
	tenant.MaxShare = 100
	must.NoError(t, o.RegisterTenant(tenant))
	node := mock.Node()
	must.NoError(t, o.RegisterNode(node))

	ctx := context.Background()
	job := mock.JobForTenant(tenant.ID)
	must.NoError(t, o.SubmitJob(job))
	_, err = o.RunCycle(ctx)
	must.NoError(t, err)

	must.NoError(t, o.JobProgress(ctx, job.ID, 50))
	must.NoError(t, o.StageCompleted(ctx, job.ID))

	seq := o.Recorder().LastSeq()
	o.Stop()

	// A second orchestrator over the same data dir picks up where the first
	// left off.
	o2, err := New(cfg, testlog.HCLogger(t), agent.NewTestAgent())
	must.NoError(t, err)
	t.Cleanup(o2.Stop)

	gotTenant, err := o2.State().TenantByID(tenant.ID)
	must.NoError(t, err)
	must.NotNil(t, gotTenant)
	must.Eq(t, tenant.Name, gotTenant.Name)

	// The node comes back with no workload attached.
	gotNode, err := o2.State().NodeByID(node.ID)
	must.NoError(t, err)
	must.NotNil(t, gotNode)
	must.Eq(t, "", gotNode.CurrentJobID)

	// The in-flight placement did not survive; the job is requeued, not
	// lost.
	gotJob, err := o2.State().JobByID(job.ID)
	must.NoError(t, err)
	must.NotNil(t, gotJob)
	must.Eq(t, structs.JobStatusQueued, gotJob.Status)
	must.Eq(t, "", gotJob.AssignedNodeID)

	cps, err := o2.State().CheckpointsByJob(job.ID)
	must.NoError(t, err)
	must.Len(t, 1, cps)

	// The audit sequence stays monotonic across the restart.
	must.Eq(t, seq, o2.Recorder().LastSeq())
	next := o2.Recorder().Record(structs.AuditJobSubmitted, "test", nil, nil)
	must.Eq(t, seq+1, next)
}

func TestOrchestrator_NodeHeartbeat(t *testing.T) {
	ci.Parallel(t)

	h := newTestOrchestrator(t, nil)
	_, node := h.seed(t)

	must.NoError(t, h.orch.NodeHeartbeat(node.ID))

	err := h.orch.NodeHeartbeat("node-missing")
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindNotFound))
}

func TestDeadlineFitScore(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()

	job := mock.Job()
	job.Deadline = time.Time{}
	must.Eq(t, 0.5, deadlineFitScore(job, now))

	job = mock.Job()
	job.Deadline = now.Add(-time.Minute)
	must.Eq(t, 0.1, deadlineFitScore(job, now))

	// Finishing with at least one estimated duration of slack scores full
	// marks.
	job = mock.Job()
	job.Deadline = now.Add(2 * time.Hour)
	job.EstimatedDuration = time.Hour
	must.Eq(t, 1.0, deadlineFitScore(job, now))

	// Half a duration of slack lands in between.
	job.Deadline = now.Add(30 * time.Minute)
	must.Eq(t, 0.75, deadlineFitScore(job, now))
}
