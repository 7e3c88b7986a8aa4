// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package checkpoint schedules and captures job state snapshots. Cadence is
// driven by the configured resilience level; captures for one job are
// serialized and older checkpoints are pruned once a newer durable one
// exists.
package checkpoint

import (
	"container/heap"
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/steward/helper/uuid"
	"github.com/hashicorp/steward/steward/agent"
	"github.com/hashicorp/steward/steward/state"
	"github.com/hashicorp/steward/steward/structs"
)

// progressDelta is the progress jump that triggers an extra capture at the
// maximum resilience level.
const progressDelta = 25.0

// retainPredecessors is how many checkpoints below the newest durable one
// are kept around.
const retainPredecessors = 1

// EventRecorder is the audit boundary, satisfied by stream.Recorder.
type EventRecorder interface {
	Record(kind, actor string, subjectRefs []string, payload map[string]any, causes ...uint64) uint64
}

// Coordinator owns the checkpoint schedule for all running jobs.
type Coordinator struct {
	logger   hclog.Logger
	state    *state.StateStore
	agent    agent.Agent
	recorder EventRecorder

	level    string
	interval time.Duration

	mu       sync.Mutex
	schedule dueHeap
	tracked  map[string]bool

	// inflight serializes captures per job.
	inflight map[string]bool

	// lastCaptured is the progress at each job's most recent capture,
	// feeding the maximum-level progress trigger.
	lastCaptured map[string]float64

	// onCapture and onPrune let the orchestrator write checkpoints
	// through to the persistence backend.
	onCapture func(*structs.Checkpoint)
	onPrune   func(checkpointID string)

	now func() time.Time
}

func NewCoordinator(logger hclog.Logger, store *state.StateStore, ag agent.Agent, recorder EventRecorder, level string) (*Coordinator, error) {
	if !structs.ValidResilienceLevel(level) {
		return nil, structs.NewValidationError("invalid resilience level %q", level)
	}
	return &Coordinator{
		logger:       logger.Named("checkpoint"),
		state:        store,
		agent:        ag,
		recorder:     recorder,
		level:        level,
		interval:     structs.CheckpointInterval(level),
		tracked:      make(map[string]bool),
		inflight:     make(map[string]bool),
		lastCaptured: make(map[string]float64),
		now:          time.Now,
	}, nil
}

// Interval returns the periodic capture interval for the active level.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// SetInterval overrides the capture interval, used for config overrides.
// Affects jobs tracked after the call.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// SetHooks installs capture and prune callbacks, invoked after the registry
// write for each new or deleted checkpoint.
func (c *Coordinator) SetHooks(onCapture func(*structs.Checkpoint), onPrune func(checkpointID string)) {
	c.onCapture = onCapture
	c.onPrune = onPrune
}

// TrackJob starts the periodic schedule for a job that began running.
// Tracking an already tracked job is a no-op; the existing schedule stands.
func (c *Coordinator) TrackJob(jobID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracked[jobID] {
		return
	}
	c.tracked[jobID] = true
	heap.Push(&c.schedule, &dueEntry{jobID: jobID, due: now.Add(c.interval)})
	c.recorder.Record(structs.AuditCheckpointScheduled, "checkpoint",
		[]string{"job:" + jobID}, map[string]any{
			"interval": c.interval.String(),
			"level":    c.level,
		})
}

// UntrackJob drops the schedule for a job that stopped running. Any entry
// still in the heap is skipped lazily when it surfaces.
func (c *Coordinator) UntrackJob(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, jobID)
	delete(c.lastCaptured, jobID)
}

// Tick captures every job whose periodic checkpoint came due and
// reschedules it. Errors are logged per job; one failing capture does not
// block the rest.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) {
	for _, jobID := range c.popDue(now) {
		if _, err := c.Capture(ctx, jobID, structs.CheckpointKindPeriodic); err != nil {
			c.logger.Error("periodic checkpoint failed", "job_id", jobID, "error", err)
		}
		c.reschedule(jobID, now)
	}
}

func (c *Coordinator) popDue(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []string
	for c.schedule.Len() > 0 {
		next := c.schedule[0]
		if next.due.After(now) {
			break
		}
		heap.Pop(&c.schedule)
		if !c.tracked[next.jobID] {
			continue
		}
		due = append(due, next.jobID)
	}
	return due
}

func (c *Coordinator) reschedule(jobID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tracked[jobID] {
		return
	}
	heap.Push(&c.schedule, &dueEntry{jobID: jobID, due: now.Add(c.interval)})
}

// ObserveProgress feeds agent progress reports into the maximum-level
// trigger: a jump of progressDelta points or more since the last capture
// forces an extra checkpoint.
func (c *Coordinator) ObserveProgress(ctx context.Context, jobID string, progress float64) {
	if c.level != structs.ResilienceMaximum {
		return
	}
	c.mu.Lock()
	last, ok := c.lastCaptured[jobID]
	tracked := c.tracked[jobID]
	c.mu.Unlock()
	if !tracked {
		return
	}
	if ok && progress-last < progressDelta {
		return
	}
	if !ok && progress < progressDelta {
		return
	}
	if _, err := c.Capture(ctx, jobID, structs.CheckpointKindPeriodic); err != nil {
		c.logger.Error("progress-triggered checkpoint failed", "job_id", jobID, "error", err)
	}
}

// Capture takes one checkpoint of the job right now. Captures for the same
// job are serialized; a concurrent request returns nil without capturing.
func (c *Coordinator) Capture(ctx context.Context, jobID, kind string) (*structs.Checkpoint, error) {
	c.mu.Lock()
	if c.inflight[jobID] {
		c.mu.Unlock()
		return nil, nil
	}
	c.inflight[jobID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, jobID)
		c.mu.Unlock()
	}()

	job, err := c.state.JobByID(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, structs.NewNotFoundError("job", jobID)
	}
	if job.Status != structs.JobStatusRunning || job.AssignedNodeID == "" {
		// The job stopped between scheduling and capture.
		return nil, nil
	}

	start := c.now()
	result, err := c.agent.Checkpoint(ctx, jobID, job.AssignedNodeID)
	if err != nil {
		c.recorder.Record(structs.AuditCheckpointFailed, "checkpoint",
			[]string{"job:" + jobID, "node:" + job.AssignedNodeID}, map[string]any{
				"kind":  kind,
				"error": err.Error(),
			})
		return nil, err
	}
	metrics.MeasureSince([]string{"steward", "checkpoint", "capture"}, start)

	cp := &structs.Checkpoint{
		ID:            "ckpt-" + uuid.Short(),
		JobID:         jobID,
		Kind:          kind,
		CreatedAt:     c.now(),
		Progress:      job.Progress,
		SizeBytes:     result.SizeBytes,
		StorageHandle: result.StorageHandle,
		Durable:       result.Durable,
	}
	if err := c.state.UpsertCheckpoint(cp); err != nil {
		return nil, err
	}
	if err := c.state.SetJobCheckpointTime(jobID, cp.CreatedAt); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastCaptured[jobID] = job.Progress
	c.mu.Unlock()

	if c.onCapture != nil {
		c.onCapture(cp)
	}

	seq := c.recorder.Record(structs.AuditCheckpointCreated, "checkpoint",
		[]string{"job:" + jobID, "node:" + job.AssignedNodeID}, map[string]any{
			"checkpoint_id": cp.ID,
			"kind":          kind,
			"progress":      cp.Progress,
			"durable":       cp.Durable,
		})

	if cp.Durable {
		if err := c.prune(jobID, seq); err != nil {
			c.logger.Error("checkpoint pruning failed", "job_id", jobID, "error", err)
		}
	}
	return cp, nil
}

// prune keeps the newest durable checkpoint plus retainPredecessors older
// ones and deletes the rest. Non-durable captures newer than the retained
// set are left alone.
func (c *Coordinator) prune(jobID string, causeSeq uint64) error {
	cps, err := c.state.CheckpointsByJob(jobID)
	if err != nil {
		return err
	}

	// cps is ordered oldest first. Find the newest durable one.
	newestDurable := -1
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Durable {
			newestDurable = i
			break
		}
	}
	if newestDurable < 0 {
		return nil
	}

	cutoff := newestDurable - retainPredecessors
	for i := 0; i < cutoff; i++ {
		if err := c.state.DeleteCheckpoint(cps[i].ID); err != nil {
			return err
		}
		if c.onPrune != nil {
			c.onPrune(cps[i].ID)
		}
		c.recorder.Record(structs.AuditCheckpointPruned, "checkpoint",
			[]string{"job:" + jobID}, map[string]any{
				"checkpoint_id": cps[i].ID,
			}, causeSeq)
	}
	return nil
}
