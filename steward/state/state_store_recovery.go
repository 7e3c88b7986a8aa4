// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/steward/steward/structs"
)

// UpsertCheckpoint inserts or updates a checkpoint record.
func (s *StateStore) UpsertCheckpoint(cp *structs.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First(TableJobs, indexID, cp.JobID); err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	} else if raw == nil {
		return structs.NewNotFoundError("job", cp.JobID)
	}

	index := s.nextIndex()
	cp = cp.Copy()
	existingRaw, err := txn.First(TableCheckpoints, indexID, cp.ID)
	if err != nil {
		return fmt.Errorf("checkpoint lookup failed: %v", err)
	}
	if existingRaw != nil {
		cp.CreateIndex = existingRaw.(*structs.Checkpoint).CreateIndex
	} else {
		cp.CreateIndex = index
	}
	cp.ModifyIndex = index

	if err := txn.Insert(TableCheckpoints, cp); err != nil {
		return fmt.Errorf("checkpoint insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableCheckpoints, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteCheckpoint removes a pruned checkpoint record.
func (s *StateStore) DeleteCheckpoint(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableCheckpoints, indexID, id)
	if err != nil {
		return fmt.Errorf("checkpoint lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("checkpoint", id)
	}
	if err := txn.Delete(TableCheckpoints, raw); err != nil {
		return fmt.Errorf("checkpoint delete failed: %v", err)
	}
	if err := bumpIndex(txn, TableCheckpoints, s.nextIndex()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// CheckpointByID returns a copy of the checkpoint or nil if absent.
func (s *StateStore) CheckpointByID(id string) (*structs.Checkpoint, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableCheckpoints, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("checkpoint lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Checkpoint).Copy(), nil
}

// CheckpointsByJob returns the job's checkpoints ordered oldest first.
func (s *StateStore) CheckpointsByJob(jobID string) ([]*structs.Checkpoint, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.checkpointsByJobTxn(txn, jobID)
}

func (s *StateStore) checkpointsByJobTxn(txn *memdb.Txn, jobID string) ([]*structs.Checkpoint, error) {
	iter, err := txn.Get(TableCheckpoints, indexJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint scan failed: %v", err)
	}
	var out []*structs.Checkpoint
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Checkpoint).Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LatestDurableCheckpoint returns the newest durable checkpoint for the
// job, or nil when the job has never completed a capture.
func (s *StateStore) LatestDurableCheckpoint(jobID string) (*structs.Checkpoint, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	cps, err := s.checkpointsByJobTxn(txn, jobID)
	if err != nil {
		return nil, err
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Durable {
			return cps[i], nil
		}
	}
	return nil, nil
}

// UpsertFailureEvent records or updates a detected failure.
func (s *StateStore) UpsertFailureEvent(f *structs.FailureEvent) error {
	if err := f.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	f = f.Copy()
	existingRaw, err := txn.First(TableFailures, indexID, f.ID)
	if err != nil {
		return fmt.Errorf("failure lookup failed: %v", err)
	}
	if existingRaw != nil {
		f.CreateIndex = existingRaw.(*structs.FailureEvent).CreateIndex
	} else {
		f.CreateIndex = index
	}
	f.ModifyIndex = index

	if err := txn.Insert(TableFailures, f); err != nil {
		return fmt.Errorf("failure insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableFailures, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// FailureByID returns a copy of the failure event or nil if absent.
func (s *StateStore) FailureByID(id string) (*structs.FailureEvent, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableFailures, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("failure lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.FailureEvent).Copy(), nil
}

// UnresolvedFailures returns failure events awaiting recovery, sorted by
// detection time.
func (s *StateStore) UnresolvedFailures() ([]*structs.FailureEvent, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableFailures, indexResolved, false)
	if err != nil {
		return nil, fmt.Errorf("failure scan failed: %v", err)
	}
	var out []*structs.FailureEvent
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.FailureEvent).Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

// UpsertRecoveryPlan records or updates a recovery plan.
func (s *StateStore) UpsertRecoveryPlan(p *structs.RecoveryPlan) error {
	if err := p.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First(TableFailures, indexID, p.FailureID); err != nil {
		return fmt.Errorf("failure lookup failed: %v", err)
	} else if raw == nil {
		return structs.NewNotFoundError("failure event", p.FailureID)
	}

	index := s.nextIndex()
	p = p.Copy()
	existingRaw, err := txn.First(TablePlans, indexID, p.ID)
	if err != nil {
		return fmt.Errorf("plan lookup failed: %v", err)
	}
	if existingRaw != nil {
		p.CreateIndex = existingRaw.(*structs.RecoveryPlan).CreateIndex
	} else {
		p.CreateIndex = index
	}
	p.ModifyIndex = index

	if err := txn.Insert(TablePlans, p); err != nil {
		return fmt.Errorf("plan insert failed: %v", err)
	}
	if err := bumpIndex(txn, TablePlans, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RecoveryPlanByID returns a copy of the plan or nil if absent.
func (s *StateStore) RecoveryPlanByID(id string) (*structs.RecoveryPlan, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TablePlans, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("plan lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.RecoveryPlan).Copy(), nil
}

// RecoveryPlansByFailure returns the plans created for a failure, oldest
// first.
func (s *StateStore) RecoveryPlansByFailure(failureID string) ([]*structs.RecoveryPlan, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TablePlans, indexFailure, failureID)
	if err != nil {
		return nil, fmt.Errorf("plan scan failed: %v", err)
	}
	var out []*structs.RecoveryPlan
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.RecoveryPlan).Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreateIndex < out[j].CreateIndex
	})
	return out, nil
}
