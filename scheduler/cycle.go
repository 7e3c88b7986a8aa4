// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/steward/steward/structs"
)

// Scheduler drives one cycle at a time. It owns no state of its own; every
// decision is derived from the snapshot handed to RunCycle and committed
// through the planner.
type Scheduler struct {
	logger      hclog.Logger
	matcher     *Matcher
	partitioner *Partitioner
	energy      *EnergyOptimizer
	recorder    EventRecorder
}

func New(logger hclog.Logger, matcher *Matcher, partitioner *Partitioner, energy *EnergyOptimizer, recorder EventRecorder) *Scheduler {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &Scheduler{
		logger:      logger.Named("scheduler"),
		matcher:     matcher,
		partitioner: partitioner,
		energy:      energy,
		recorder:    recorder,
	}
}

// RunCycle executes one scheduling cycle against the snapshot, committing
// transitions through the planner. Tenants are committed independently: an
// invariant violation while placing one tenant's jobs isolates that tenant
// for the rest of the cycle without touching the others.
func (s *Scheduler) RunCycle(snap State, planner Planner, now time.Time) (*CycleReport, error) {
	defer metrics.MeasureSince([]string{"steward", "scheduler", "cycle"}, now)

	report := &CycleReport{StartedAt: now}

	tenants, err := snap.Tenants()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	nodes, err := snap.Nodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	runnable, err := snap.JobsByStatus(structs.JobStatusPending, structs.JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable jobs: %w", err)
	}
	report.ConsideredJobs = len(runnable)

	// Priority snapshot first, so deferred and unmatched jobs still carry a
	// current effective priority for status queries.
	priorities := ComputePriorities(runnable, now)
	if err := planner.SetJobEffectivePriorities(priorities); err != nil {
		return nil, fmt.Errorf("failed to store effective priorities: %w", err)
	}

	// Dependency gate. Blocked jobs stay put this cycle.
	var ready []*structs.Job
	for _, job := range runnable {
		ok, err := snap.DependenciesSatisfied(job)
		if err != nil {
			return nil, fmt.Errorf("failed to check dependencies of %s: %w", job.ID, err)
		}
		if !ok {
			report.BlockedDeps++
			continue
		}
		ready = append(ready, job)
	}
	SortJobs(ready, priorities)

	var online, idle []*structs.Node
	for _, n := range nodes {
		if n.Status != structs.NodeStatusOnline {
			continue
		}
		online = append(online, n)
		if n.Ready() {
			idle = append(idle, n)
		}
	}

	part := s.partitioner.Compute(s.partitionInput(snap, tenants, online, idle, ready))
	report.Allocations = part.Allocations
	if part.UnderCapacity {
		s.recorder.Record(structs.AuditUnderCapacity, "scheduler", nil, map[string]any{
			"online_nodes": len(online),
		})
	}
	allocSeq := s.recorder.Record(structs.AuditAllocationComputed, "scheduler", nil, map[string]any{
		"tenants":      len(part.Allocations),
		"idle_nodes":   len(idle),
		"online_nodes": len(online),
	})

	assignments := s.place(snap, ready, part, now)

	isolated := make(map[string]bool)
	for _, a := range assignments {
		if isolated[a.Job.TenantID] {
			continue
		}
		if err := s.commit(planner, a, allocSeq, now); err != nil {
			if structs.IsErrKind(err, structs.ErrKindInvariant) {
				s.logger.Error("invariant violation, isolating tenant for cycle",
					"tenant_id", a.Job.TenantID, "job_id", a.Job.ID, "error", err)
				isolated[a.Job.TenantID] = true
				continue
			}
			return nil, fmt.Errorf("failed to commit placement of %s: %w", a.Job.ID, err)
		}
		switch {
		case a.Deferred:
			report.DeferredJobs++
		case a.Node != nil:
			report.ScheduledJobs++
		default:
			report.UnmatchedJobs++
		}
	}
	for id := range isolated {
		report.IsolatedTenants = append(report.IsolatedTenants, id)
	}

	s.finishReport(report, assignments, online, priorities, ready, now)

	s.recorder.Record(structs.AuditCycleCompleted, "scheduler", nil, map[string]any{
		"scheduled":   report.ScheduledJobs,
		"deferred":    report.DeferredJobs,
		"unmatched":   report.UnmatchedJobs,
		"blocked":     report.BlockedDeps,
		"utilization": report.Utilization,
	}, allocSeq)

	metrics.SetGauge([]string{"steward", "scheduler", "utilization"}, float32(report.Utilization))
	metrics.IncrCounter([]string{"steward", "scheduler", "scheduled"}, float32(report.ScheduledJobs))
	return report, nil
}

func (s *Scheduler) partitionInput(snap State, tenants []*structs.Tenant, online, idle []*structs.Node, ready []*structs.Job) *PartitionInput {
	in := &PartitionInput{
		Tenants:     tenants,
		OnlineNodes: online,
		IdleNodes:   idle,
		Demand:      make(map[string]int),
		Profiles:    make(map[string]*structs.Requirements),
		Used:        make(map[string]int),
	}
	for _, job := range ready {
		in.Demand[job.TenantID]++
		in.Profiles[job.TenantID] = in.Profiles[job.TenantID].Merge(job.Requirements)
	}
	// Running placements count against the owning tenant's share.
	for _, n := range online {
		if n.CurrentJobID == "" {
			continue
		}
		job, err := snap.JobByID(n.CurrentJobID)
		if err != nil || job == nil {
			continue
		}
		in.Used[job.TenantID]++
	}
	return in
}

// place walks the sorted ready jobs and decides each one's fate inside its
// tenant's allocation: deferred by the energy policy, matched to a node, or
// left unmatched.
func (s *Scheduler) place(snap State, ready []*structs.Job, part *PartitionResult, now time.Time) []*Assignment {
	// Per-tenant pools of granted nodes, consumed as jobs are placed.
	pools := make(map[string][]*structs.Node)
	for tid, alloc := range part.Allocations {
		for _, nodeID := range alloc.NodeIDs {
			node, err := snap.NodeByID(nodeID)
			if err != nil || node == nil {
				continue
			}
			pools[tid] = append(pools[tid], node)
		}
	}

	var out []*Assignment
	for _, job := range ready {
		if deferred, reason := s.energy.ShouldDefer(job, now); deferred {
			out = append(out, &Assignment{Job: job, Deferred: true, Reason: reason})
			continue
		}

		pool := pools[job.TenantID]
		node, score := s.matcher.MatchJobToNode(job, pool)
		if node == nil {
			out = append(out, &Assignment{Job: job})
			continue
		}

		// Remove the chosen node from the pool.
		for i, n := range pool {
			if n.ID == node.ID {
				pools[job.TenantID] = append(pool[:i], pool[i+1:]...)
				break
			}
		}
		s.matcher.RecordPlacement(node.ID)
		out = append(out, &Assignment{Job: job, Node: node, Score: score})
	}
	return out
}

func (s *Scheduler) commit(planner Planner, a *Assignment, allocSeq uint64, now time.Time) error {
	job := a.Job

	switch {
	case a.Deferred:
		s.recorder.Record(structs.AuditJobDeferredEnergy, "scheduler",
			[]string{"job:" + job.ID}, map[string]any{
				"reason":      a.Reason,
				"next_window": s.energy.NextOffPeak(now),
			}, allocSeq)
		if job.Status == structs.JobStatusPending {
			return planner.ApplyTransition(&structs.TransitionRequest{
				JobID:      job.ID,
				FromStatus: structs.JobStatusPending,
				ToStatus:   structs.JobStatusQueued,
				Reason:     a.Reason,
				At:         now,
			})
		}
		return nil

	case a.Node != nil:
		// The restore handle stays on the job until the node agent
		// consumed it; the orchestrator clears it after a successful
		// start.
		err := planner.ApplyTransition(&structs.TransitionRequest{
			JobID:      job.ID,
			FromStatus: job.Status,
			ToStatus:   structs.JobStatusRunning,
			NodeID:     a.Node.ID,
			Reason:     "scheduled",
			At:         now,
		})
		if err != nil {
			return err
		}
		s.recorder.Record(structs.AuditJobScheduled, "scheduler",
			[]string{"job:" + job.ID, "node:" + a.Node.ID}, map[string]any{
				"score":   a.Score,
				"restore": job.RestoreCheckpointID,
			}, allocSeq)
		return nil

	default:
		// No acceptable node this cycle. Pending jobs move to queued so
		// their wait is visible; queued jobs simply stay queued.
		if job.Status == structs.JobStatusPending {
			return planner.ApplyTransition(&structs.TransitionRequest{
				JobID:      job.ID,
				FromStatus: structs.JobStatusPending,
				ToStatus:   structs.JobStatusQueued,
				Reason:     "no acceptable node",
				At:         now,
			})
		}
		return nil
	}
}

func (s *Scheduler) finishReport(report *CycleReport, assignments []*Assignment,
	online []*structs.Node, priorities map[string]*structs.EffectivePriority,
	ready []*structs.Job, now time.Time) {

	busy := 0
	placed := make(map[string]bool)
	for _, a := range assignments {
		if a.Node != nil && !a.Deferred {
			placed[a.Node.ID] = true
		}
	}
	for _, n := range online {
		if n.CurrentJobID != "" || placed[n.ID] {
			busy++
		}
	}
	if len(online) > 0 {
		report.Utilization = float64(busy) / float64(len(online))
	}

	report.EnergySavingsPct = s.energy.EstimateSavings(assignments, online)

	scheduled := make(map[string]bool)
	for _, a := range assignments {
		if a.Node != nil && !a.Deferred {
			scheduled[a.Job.ID] = true
		}
	}
	for _, job := range ready {
		if p := priorities[job.ID]; p != nil && p.Class == 4 && job.Deadline.Before(now) && !scheduled[job.ID] {
			report.Stragglers = append(report.Stragglers, job.ID)
		}
	}

	report.Elapsed = time.Since(report.StartedAt)
}
