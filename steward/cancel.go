// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package steward

import (
	"context"
	"time"

	"github.com/hashicorp/steward/steward/structs"
)

// cancelAckTimeout is how long a running job's agent gets to acknowledge a
// stop before the cancellation is forced through.
const cancelAckTimeout = 10 * time.Second

// CancelJob cancels a job in any non-terminal status. Pending and queued
// jobs cancel immediately. Running jobs get a cooperative stop first; if the
// agent does not acknowledge within the ack timeout the job is cancelled
// anyway and the node is marked in error, since its workload state is then
// unknown.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, reason string) error {
	job, err := o.state.JobByID(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.NewNotFoundError("job", jobID)
	}

	switch job.Status {
	case structs.JobStatusCancelled:
		// Repeated cancels are a no-op.
		return nil

	case structs.JobStatusCompleted, structs.JobStatusFailed:
		return structs.NewIllegalTransitionError(jobID, job.Status, structs.JobStatusCancelled)

	case structs.JobStatusPending, structs.JobStatusQueued:
		err := o.state.ApplyTransition(&structs.TransitionRequest{
			JobID:      jobID,
			FromStatus: job.Status,
			ToStatus:   structs.JobStatusCancelled,
			Reason:     reason,
			At:         o.now(),
		})
		if err != nil {
			return err
		}
		o.recorder.Record(structs.AuditJobCancelled, "api",
			[]string{"job:" + jobID}, map[string]any{
				"reason": reason,
				"forced": false,
			})
		return o.persistJob(jobID)

	case structs.JobStatusRunning:
		return o.cancelRunning(ctx, job, reason)

	default:
		return structs.NewInvariantError("job %q has unknown status %q", jobID, job.Status)
	}
}

func (o *Orchestrator) cancelRunning(ctx context.Context, job *structs.Job, reason string) error {
	if err := o.state.MarkJobCancelRequested(job.ID, o.now()); err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, cancelAckTimeout)
	defer cancel()
	stopErr := o.agent.Stop(stopCtx, job.ID, job.AssignedNodeID)
	forced := stopErr != nil

	err := o.state.ApplyTransition(&structs.TransitionRequest{
		JobID:      job.ID,
		FromStatus: structs.JobStatusRunning,
		ToStatus:   structs.JobStatusCancelled,
		Reason:     reason,
		At:         o.now(),
	})
	if err != nil {
		return err
	}

	o.coord.UntrackJob(job.ID)
	o.mu.Lock()
	delete(o.running, job.ID)
	o.mu.Unlock()

	if forced && job.AssignedNodeID != "" {
		// The node never acknowledged the stop; its workload state is
		// unknown until an operator intervenes.
		o.logger.Warn("forcing cancellation, marking node in error",
			"job_id", job.ID, "node_id", job.AssignedNodeID, "error", stopErr)
		if err := o.state.UpdateNodeStatus(job.AssignedNodeID, structs.NodeStatusError, "cancel not acknowledged"); err != nil {
			o.logger.Error("failed to mark node in error", "node_id", job.AssignedNodeID, "error", err)
		}
		o.monitor.Forget(job.AssignedNodeID)
	}

	o.recorder.Record(structs.AuditJobCancelled, "api",
		[]string{"job:" + job.ID, "node:" + job.AssignedNodeID}, map[string]any{
			"reason": reason,
			"forced": forced,
		})

	if err := o.persistJob(job.ID); err != nil {
		return err
	}
	return o.persistNode(job.AssignedNodeID)
}
