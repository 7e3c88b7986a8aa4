// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/steward/steward/structs"
)

// AddJob submits a new job. The tenant must exist and every dependency must
// reference a known job. Jobs are always accepted; scheduling decides when
// they run.
func (s *StateStore) AddJob(job *structs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First(TableJobs, indexID, job.ID); err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	} else if raw != nil {
		return structs.NewDuplicateIDError("job", job.ID)
	}

	if raw, err := txn.First(TableTenants, indexID, job.TenantID); err != nil {
		return fmt.Errorf("tenant lookup failed: %v", err)
	} else if raw == nil {
		return structs.NewNotFoundError("tenant", job.TenantID)
	}

	for _, dep := range job.Dependencies {
		if raw, err := txn.First(TableJobs, indexID, dep); err != nil {
			return fmt.Errorf("dependency lookup failed: %v", err)
		} else if raw == nil {
			return structs.NewNotFoundError("dependency job", dep)
		}
	}

	index := s.nextIndex()
	job = job.Copy()
	job.CreateIndex = index
	job.ModifyIndex = index

	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableJobs, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RestoreJob inserts a job during startup restore, preserving its indexes
// and skipping the reference checks since the persisted set is loaded in
// arbitrary order.
func (s *StateStore) RestoreJob(job *structs.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(TableJobs, job.Copy()); err != nil {
		return fmt.Errorf("job restore failed: %v", err)
	}
	if err := bumpIndex(txn, TableJobs, job.ModifyIndex); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// JobByID returns a copy of the job or nil if absent.
func (s *StateStore) JobByID(id string) (*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.jobByIDTxn(txn, id)
}

func (s *StateStore) jobByIDTxn(txn *memdb.Txn, id string) (*structs.Job, error) {
	raw, err := txn.First(TableJobs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Job).Copy(), nil
}

func collectJobs(iter memdb.ResultIterator) []*structs.Job {
	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Job).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Jobs returns all jobs sorted by ID.
func (s *StateStore) Jobs() ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexID)
	if err != nil {
		return nil, fmt.Errorf("job scan failed: %v", err)
	}
	return collectJobs(iter), nil
}

// JobsByTenant returns the tenant's jobs sorted by ID.
func (s *StateStore) JobsByTenant(tenantID string) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexTenant, tenantID)
	if err != nil {
		return nil, fmt.Errorf("job scan failed: %v", err)
	}
	return collectJobs(iter), nil
}

// JobsByStatus returns jobs in any of the given statuses, sorted by ID.
func (s *StateStore) JobsByStatus(statuses ...string) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var out []*structs.Job
	for _, status := range statuses {
		iter, err := txn.Get(TableJobs, indexStatus, status)
		if err != nil {
			return nil, fmt.Errorf("job scan failed: %v", err)
		}
		out = append(out, collectJobs(iter)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// JobByNode returns the job currently assigned to the node, or nil.
func (s *StateStore) JobByNode(nodeID string) (*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexNode, nodeID)
	if err != nil {
		return nil, fmt.Errorf("job scan failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*structs.Job)
		if job.Status == structs.JobStatusRunning {
			return job.Copy(), nil
		}
	}
	return nil, nil
}

// DependentsOfJob returns the jobs that list the given job as a
// dependency, sorted by ID.
func (s *StateStore) DependentsOfJob(jobID string) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexDependency, jobID)
	if err != nil {
		return nil, fmt.Errorf("dependent scan failed: %v", err)
	}
	return collectJobs(iter), nil
}

// DependenciesSatisfied returns true when every dependency of the job is
// completed.
func (s *StateStore) DependenciesSatisfied(job *structs.Job) (bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.dependenciesSatisfiedTxn(txn, job)
}

func (s *StateStore) dependenciesSatisfiedTxn(txn *memdb.Txn, job *structs.Job) (bool, error) {
	for _, dep := range job.Dependencies {
		raw, err := txn.First(TableJobs, indexID, dep)
		if err != nil {
			return false, fmt.Errorf("dependency lookup failed: %v", err)
		}
		if raw == nil {
			return false, structs.NewInvariantError("job %q depends on unknown job %q", job.ID, dep)
		}
		if raw.(*structs.Job).Status != structs.JobStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ApplyTransition moves a job through its lifecycle. The request's
// FromStatus is verified against current state so decisions computed on a
// stale snapshot fail instead of clobbering newer state. The job/node
// placement link is maintained in the same transaction.
func (s *StateStore) ApplyTransition(req *structs.TransitionRequest) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, req.JobID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("job", req.JobID)
	}
	job := raw.(*structs.Job).Copy()

	if job.Status != req.FromStatus {
		return structs.NewIllegalTransitionError(job.ID, req.FromStatus, req.ToStatus)
	}
	if !structs.TransitionLegal(req.FromStatus, req.ToStatus) {
		return structs.NewIllegalTransitionError(job.ID, req.FromStatus, req.ToStatus)
	}

	index := s.nextIndex()
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// Detach from the current node first so a running -> queued requeue
	// leaves neither side pointing at the other.
	if job.Status == structs.JobStatusRunning && job.AssignedNodeID != "" {
		if err := s.detachNodeTxn(txn, job.AssignedNodeID, job.ID, index); err != nil {
			return err
		}
		job.AssignedNodeID = ""
	}

	switch req.ToStatus {
	case structs.JobStatusRunning:
		if req.NodeID == "" {
			return structs.NewInvariantError("transition to running requires a node")
		}
		ok, err := s.dependenciesSatisfiedTxn(txn, job)
		if err != nil {
			return err
		}
		if !ok {
			return structs.NewInvariantError(
				"job %q has incomplete dependencies", job.ID)
		}
		if err := s.attachNodeTxn(txn, req.NodeID, job.ID, index); err != nil {
			return err
		}
		job.AssignedNodeID = req.NodeID
		if req.ClearRestore {
			job.RestoreCheckpointID = ""
		}

	case structs.JobStatusCompleted:
		job.Progress = 100

	case structs.JobStatusQueued, structs.JobStatusCancelled, structs.JobStatusFailed:
		job.AssignedNodeID = ""
	}

	if req.IncrementError {
		job.ErrorCount++
	}

	job.Status = req.ToStatus
	job.ModifyIndex = index

	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableJobs, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// attachNodeTxn points an idle online node at the job.
func (s *StateStore) attachNodeTxn(txn *memdb.Txn, nodeID, jobID string, index uint64) error {
	raw, err := txn.First(TableNodes, indexID, nodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("node", nodeID)
	}
	node := raw.(*structs.Node).Copy()
	if node.Status != structs.NodeStatusOnline {
		return structs.NewInvariantError("node %q is %s, not online", nodeID, node.Status)
	}
	if node.CurrentJobID != "" && node.CurrentJobID != jobID {
		return structs.NewInvariantError(
			"node %q already runs job %q", nodeID, node.CurrentJobID)
	}
	node.CurrentJobID = jobID
	node.ModifyIndex = index
	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node insert failed: %v", err)
	}
	return bumpIndex(txn, TableNodes, index)
}

// detachNodeTxn clears the node's placement link if it still points at the
// job.
func (s *StateStore) detachNodeTxn(txn *memdb.Txn, nodeID, jobID string, index uint64) error {
	raw, err := txn.First(TableNodes, indexID, nodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		// Node deregistered underneath the job; nothing to detach.
		return nil
	}
	node := raw.(*structs.Node).Copy()
	if node.CurrentJobID != jobID {
		return nil
	}
	node.CurrentJobID = ""
	node.ModifyIndex = index
	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node insert failed: %v", err)
	}
	return bumpIndex(txn, TableNodes, index)
}

// UpdateJobPriority changes the priority class of a non-terminal job. A
// running job is not preempted; the new class takes effect on future
// scheduling decisions.
func (s *StateStore) UpdateJobPriority(jobID, priority string) error {
	if !structs.ValidJobPriority(priority) {
		return structs.NewValidationError("invalid job priority %q", priority)
	}
	return s.updateJob(jobID, func(job *structs.Job) error {
		if job.TerminalStatus() {
			return structs.NewIllegalTransitionError(job.ID, job.Status, job.Status)
		}
		job.Priority = priority
		return nil
	})
}

// UpdateJobProgress records agent-reported progress.
func (s *StateStore) UpdateJobProgress(jobID string, progress float64) error {
	if progress < 0 || progress > 100 {
		return structs.NewValidationError("progress must be within [0, 100]")
	}
	return s.updateJob(jobID, func(job *structs.Job) error {
		job.Progress = progress
		return nil
	})
}

// SetJobEffectivePriorities stores the priority engine's latest snapshot.
func (s *StateStore) SetJobEffectivePriorities(priorities map[string]*structs.EffectivePriority) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	for jobID, eff := range priorities {
		raw, err := txn.First(TableJobs, indexID, jobID)
		if err != nil {
			return fmt.Errorf("job lookup failed: %v", err)
		}
		if raw == nil {
			continue
		}
		job := raw.(*structs.Job).Copy()
		e := *eff
		job.Effective = &e
		job.ModifyIndex = index
		if err := txn.Insert(TableJobs, job); err != nil {
			return fmt.Errorf("job insert failed: %v", err)
		}
	}
	if err := bumpIndex(txn, TableJobs, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// SetJobRestoreCheckpoint records the checkpoint handle the next placement
// must resume from.
func (s *StateStore) SetJobRestoreCheckpoint(jobID, checkpointID string, planID string) error {
	return s.updateJob(jobID, func(job *structs.Job) error {
		job.RestoreCheckpointID = checkpointID
		job.LatestPlanID = planID
		return nil
	})
}

// SetJobCheckpointTime records the completion of a durable checkpoint.
func (s *StateStore) SetJobCheckpointTime(jobID string, at time.Time) error {
	return s.updateJob(jobID, func(job *structs.Job) error {
		job.LastCheckpointAt = at
		return nil
	})
}

// MarkJobCancelRequested stores the cancellation intent timestamp.
func (s *StateStore) MarkJobCancelRequested(jobID string, at time.Time) error {
	return s.updateJob(jobID, func(job *structs.Job) error {
		if job.TerminalStatus() {
			return structs.NewIllegalTransitionError(job.ID, job.Status, structs.JobStatusCancelled)
		}
		job.CancelRequestedAt = at
		return nil
	})
}

// SetJobLatestPlan links a job to its most recent recovery plan.
func (s *StateStore) SetJobLatestPlan(jobID, planID string) error {
	return s.updateJob(jobID, func(job *structs.Job) error {
		job.LatestPlanID = planID
		return nil
	})
}

// RaiseJobMemoryRequirement bumps the job's memory requirement, used by the
// reconfigure recovery action after memory exhaustion.
func (s *StateStore) RaiseJobMemoryRequirement(jobID string, factor float64) error {
	return s.updateJob(jobID, func(job *structs.Job) error {
		if job.Requirements == nil {
			job.Requirements = &structs.Requirements{}
		}
		if job.Requirements.MemoryGB == 0 {
			job.Requirements.MemoryGB = 1
		}
		job.Requirements.MemoryGB = int(float64(job.Requirements.MemoryGB)*factor) + 1
		return nil
	})
}

func (s *StateStore) updateJob(jobID string, mutate func(*structs.Job) error) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("job", jobID)
	}

	job := raw.(*structs.Job).Copy()
	if err := mutate(job); err != nil {
		return err
	}

	index := s.nextIndex()
	job.ModifyIndex = index
	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableJobs, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}
