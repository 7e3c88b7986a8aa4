// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package recovery turns detected failures into recovery plans and executes
// them. Failures are never handled inline by detectors; they are recorded
// as events and consumed here, so every recovery decision leaves an audit
// trail and an MTTR measurement.
package recovery

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/steward/helper/uuid"
	"github.com/hashicorp/steward/steward/agent"
	"github.com/hashicorp/steward/steward/state"
	"github.com/hashicorp/steward/steward/structs"
)

// memoryRaiseFactor is how much a reconfigure action grows the job's memory
// requirement before the retry.
const memoryRaiseFactor = 1.5

// DefaultPlanTimeout is how long a plan may sit unresolved before it is
// escalated to operators.
const DefaultPlanTimeout = 30 * time.Minute

// EventRecorder is the audit boundary, satisfied by stream.Recorder.
type EventRecorder interface {
	Record(kind, actor string, subjectRefs []string, payload map[string]any, causes ...uint64) uint64
}

// Engine is the failure handling pipeline: record, plan, execute, resolve.
type Engine struct {
	logger   hclog.Logger
	state    *state.StateStore
	agent    agent.Agent
	recorder EventRecorder

	// thresholdOverrides adjusts the per-tier requeue budget from config.
	thresholdOverrides map[string]int

	planTimeout time.Duration

	now func() time.Time
}

func NewEngine(logger hclog.Logger, store *state.StateStore, ag agent.Agent, recorder EventRecorder, thresholdOverrides map[string]int) *Engine {
	return &Engine{
		logger:             logger.Named("recovery"),
		state:              store,
		agent:              ag,
		recorder:           recorder,
		thresholdOverrides: thresholdOverrides,
		planTimeout:        DefaultPlanTimeout,
		now:                time.Now,
	}
}

// HandleFailure records the failure, chooses an action from the strategy
// table and executes it. The returned plan is resolved unless the action
// was manual, which escalates to operators instead.
func (e *Engine) HandleFailure(ctx context.Context, f *structs.FailureEvent) (*structs.RecoveryPlan, error) {
	if f.ID == "" {
		f.ID = "fail-" + uuid.Short()
	}
	if f.Severity == "" {
		f.Severity = structs.FailureSeverity(f.Kind)
	}
	if f.DetectedAt.IsZero() {
		f.DetectedAt = e.now()
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := e.state.UpsertFailureEvent(f); err != nil {
		return nil, err
	}
	failSeq := e.recorder.Record(structs.AuditFailureDetected, "recovery",
		failureRefs(f), map[string]any{
			"failure_id": f.ID,
			"kind":       f.Kind,
			"severity":   f.Severity,
		})
	metrics.IncrCounterWithLabels([]string{"steward", "recovery", "failures"}, 1,
		[]metrics.Label{{Name: "kind", Value: f.Kind}})

	action, err := e.chooseAction(f)
	if err != nil {
		return nil, err
	}

	plan := &structs.RecoveryPlan{
		ID:        "plan-" + uuid.Short(),
		FailureID: f.ID,
		Action:    action,
		State:     structs.PlanStateCreated,
		CreatedAt: e.now(),
	}
	if action == structs.RecoveryActionRestoreCheckpoint || action == structs.RecoveryActionMigrate {
		if cp, err := e.state.LatestDurableCheckpoint(f.JobID); err == nil && cp != nil {
			plan.TargetCheckpointID = cp.ID
		}
	}
	if err := e.state.UpsertRecoveryPlan(plan); err != nil {
		return nil, err
	}
	planSeq := e.recorder.Record(structs.AuditRecoveryPlanCreated, "recovery",
		failureRefs(f), map[string]any{
			"plan_id":    plan.ID,
			"action":     plan.Action,
			"checkpoint": plan.TargetCheckpointID,
		}, failSeq)

	if f.JobID != "" {
		if err := e.state.SetJobLatestPlan(f.JobID, plan.ID); err != nil {
			return nil, err
		}
	}

	if err := e.execute(ctx, plan, f, planSeq); err != nil {
		return plan, err
	}
	return plan, nil
}

// chooseAction implements the strategy table. Checkpoint-based actions
// degrade to a plain restart when no durable checkpoint exists.
func (e *Engine) chooseAction(f *structs.FailureEvent) (string, error) {
	switch f.Kind {
	case structs.FailureNodeOffline:
		return structs.RecoveryActionMigrate, nil

	case structs.FailureJobCrash, structs.FailureTimeout:
		cp, err := e.state.LatestDurableCheckpoint(f.JobID)
		if err != nil {
			return "", err
		}
		if cp != nil {
			return structs.RecoveryActionRestoreCheckpoint, nil
		}
		return structs.RecoveryActionRestart, nil

	case structs.FailureStageFailed:
		// Jobs here carry no stage structure, so a partial restart
		// degrades to restarting from the latest stage checkpoint, or
		// from scratch without one.
		cp, err := e.state.LatestDurableCheckpoint(f.JobID)
		if err != nil {
			return "", err
		}
		if cp != nil && cp.Kind == structs.CheckpointKindStageComplete {
			return structs.RecoveryActionPartialRestart, nil
		}
		return structs.RecoveryActionRestart, nil

	case structs.FailureMemoryExhaustion:
		return structs.RecoveryActionReconfigure, nil

	case structs.FailureDeadlock:
		return structs.RecoveryActionRestart, nil

	default:
		return structs.RecoveryActionManual, nil
	}
}

func (e *Engine) execute(ctx context.Context, plan *structs.RecoveryPlan, f *structs.FailureEvent, planSeq uint64) error {
	plan.State = structs.PlanStateExecuting
	if err := e.state.UpsertRecoveryPlan(plan); err != nil {
		return err
	}

	if plan.Action == structs.RecoveryActionManual {
		return e.escalate(plan, f, planSeq, "no automatic strategy for failure kind")
	}

	var job *structs.Job
	if f.JobID != "" {
		j, err := e.state.JobByID(f.JobID)
		if err != nil {
			return err
		}
		job = j
	}
	if job == nil {
		// Node failure with no workload attached; nothing to requeue.
		return e.resolve(plan, f, planSeq, true)
	}

	// The requeue budget is spent before the retry, so a job over its
	// tier threshold fails outright instead of cycling forever.
	over, err := e.overThreshold(job)
	if err != nil {
		return err
	}
	if over {
		if err := e.failJob(ctx, job, f, planSeq); err != nil {
			return err
		}
		return e.resolve(plan, f, planSeq, false)
	}

	switch plan.Action {
	case structs.RecoveryActionReconfigure:
		if err := e.state.RaiseJobMemoryRequirement(job.ID, memoryRaiseFactor); err != nil {
			return err
		}
	case structs.RecoveryActionRestoreCheckpoint, structs.RecoveryActionPartialRestart, structs.RecoveryActionMigrate:
		if plan.TargetCheckpointID != "" {
			if err := e.state.SetJobRestoreCheckpoint(job.ID, plan.TargetCheckpointID, plan.ID); err != nil {
				return err
			}
		}
	}

	// Stop the workload if its node is still reachable. Best effort: a
	// dead node cannot acknowledge anyway.
	if job.AssignedNodeID != "" && f.Kind != structs.FailureNodeOffline {
		if err := e.agent.Stop(ctx, job.ID, job.AssignedNodeID); err != nil {
			e.logger.Warn("failed to stop workload during recovery",
				"job_id", job.ID, "node_id", job.AssignedNodeID, "error", err)
		}
	}

	if job.Status == structs.JobStatusRunning {
		err := e.state.ApplyTransition(&structs.TransitionRequest{
			JobID:          job.ID,
			FromStatus:     structs.JobStatusRunning,
			ToStatus:       structs.JobStatusQueued,
			Reason:         "recovery: " + plan.Action,
			IncrementError: true,
			At:             e.now(),
		})
		if err != nil {
			return err
		}
		e.recorder.Record(structs.AuditJobRequeued, "recovery",
			[]string{"job:" + job.ID}, map[string]any{
				"plan_id": plan.ID,
				"action":  plan.Action,
			}, planSeq)
	}

	return e.resolve(plan, f, planSeq, true)
}

// overThreshold reports whether the next requeue would exceed the tenant
// tier's error budget.
func (e *Engine) overThreshold(job *structs.Job) (bool, error) {
	tenant, err := e.state.TenantByID(job.TenantID)
	if err != nil {
		return false, err
	}
	tier := structs.TenantTierStandard
	if tenant != nil {
		tier = tenant.Tier
	}
	return job.ErrorCount+1 > structs.ErrorThreshold(tier, e.thresholdOverrides), nil
}

func (e *Engine) failJob(ctx context.Context, job *structs.Job, f *structs.FailureEvent, planSeq uint64) error {
	if job.AssignedNodeID != "" && f.Kind != structs.FailureNodeOffline {
		if err := e.agent.Stop(ctx, job.ID, job.AssignedNodeID); err != nil {
			e.logger.Warn("failed to stop workload while failing job",
				"job_id", job.ID, "error", err)
		}
	}
	if job.Status == structs.JobStatusRunning {
		err := e.state.ApplyTransition(&structs.TransitionRequest{
			JobID:          job.ID,
			FromStatus:     structs.JobStatusRunning,
			ToStatus:       structs.JobStatusFailed,
			Reason:         "error budget exhausted",
			IncrementError: true,
			At:             e.now(),
		})
		if err != nil {
			return err
		}
	}
	e.recorder.Record(structs.AuditJobFailed, "recovery",
		[]string{"job:" + job.ID}, map[string]any{
			"error_count": job.ErrorCount + 1,
		}, planSeq)
	return nil
}

func (e *Engine) resolve(plan *structs.RecoveryPlan, f *structs.FailureEvent, planSeq uint64, success bool) error {
	plan.State = structs.PlanStateResolved
	plan.CompletedAt = e.now()
	plan.Success = success
	if err := e.state.UpsertRecoveryPlan(plan); err != nil {
		return err
	}

	f.Resolved = true
	f.ResolutionRef = plan.ID
	if err := e.state.UpsertFailureEvent(f); err != nil {
		return err
	}

	mttr := plan.MTTR()
	metrics.AddSample([]string{"steward", "recovery", "mttr"}, float32(mttr.Seconds()))
	e.recorder.Record(structs.AuditRecoveryPlanResolved, "recovery",
		failureRefs(f), map[string]any{
			"plan_id":      plan.ID,
			"action":       plan.Action,
			"success":      success,
			"mttr_seconds": mttr.Seconds(),
		}, planSeq)
	return nil
}

func (e *Engine) escalate(plan *structs.RecoveryPlan, f *structs.FailureEvent, planSeq uint64, reason string) error {
	plan.State = structs.PlanStateEscalated
	if err := e.state.UpsertRecoveryPlan(plan); err != nil {
		return err
	}
	var causes []uint64
	if planSeq != 0 {
		causes = append(causes, planSeq)
	}
	e.recorder.Record(structs.AuditRecoveryEscalated, "recovery",
		failureRefs(f), map[string]any{
			"plan_id": plan.ID,
			"reason":  reason,
		}, causes...)
	return nil
}

// CheckEscalations escalates plans stuck in created or executing past the
// plan timeout. Called from the orchestrator's cycle ticker.
func (e *Engine) CheckEscalations(now time.Time) error {
	failures, err := e.state.UnresolvedFailures()
	if err != nil {
		return err
	}
	for _, f := range failures {
		plans, err := e.state.RecoveryPlansByFailure(f.ID)
		if err != nil {
			return err
		}
		for _, plan := range plans {
			switch plan.State {
			case structs.PlanStateCreated, structs.PlanStateExecuting:
			default:
				continue
			}
			if now.Sub(plan.CreatedAt) < e.planTimeout {
				continue
			}
			if err := e.escalate(plan, f, 0, "plan timed out"); err != nil {
				return err
			}
		}
	}
	return nil
}

func failureRefs(f *structs.FailureEvent) []string {
	refs := []string{"failure:" + f.ID}
	if f.JobID != "" {
		refs = append(refs, "job:"+f.JobID)
	}
	if f.NodeID != "" {
		refs = append(refs, "node:"+f.NodeID)
	}
	return refs
}
