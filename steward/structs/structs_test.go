// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
)

func validTenant() *Tenant {
	return &Tenant{
		ID:              "tenant-1",
		Name:            "acme",
		Tier:            TenantTierStandard,
		GuaranteedShare: 20,
		MaxShare:        40,
	}
}

func TestTenant_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, validTenant().Validate())

	bad := validTenant()
	bad.Tier = "platinum"
	err := bad.Validate()
	must.Error(t, err)
	must.True(t, IsErrKind(err, ErrKindValidation))

	bad = validTenant()
	bad.MaxShare = 10
	must.Error(t, bad.Validate())

	bad = validTenant()
	bad.GuaranteedShare = 110
	must.Error(t, bad.Validate())
}

func validJob() *Job {
	return &Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Name:     "render-frame",
		Kind:     "render",
		Priority: JobPriorityMedium,
		Status:   JobStatusPending,
		Deadline: time.Now().Add(8 * time.Hour),
		Requirements: &Requirements{
			CPUCores: 4,
			MemoryGB: 8,
		},
		EstimatedDuration: time.Hour,
		SubmitTime:        time.Now(),
	}
}

func TestJob_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, validJob().Validate())

	bad := validJob()
	bad.Priority = "urgent"
	must.Error(t, bad.Validate())

	bad = validJob()
	bad.Dependencies = []string{"job-1"}
	must.Error(t, bad.Validate())

	bad = validJob()
	bad.EstimatedDuration = 0
	must.Error(t, bad.Validate())

	bad = validJob()
	bad.Progress = 101
	must.Error(t, bad.Validate())
}

func TestTransitionLegal(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		from, to string
		ok       bool
	}{
		{JobStatusPending, JobStatusQueued, true},
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusPending, false},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusQueued, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusQueued, false},
		{JobStatusFailed, JobStatusRunning, false},
	}
	for _, tc := range cases {
		must.Eq(t, tc.ok, TransitionLegal(tc.from, tc.to),
			must.Sprintf("%s -> %s", tc.from, tc.to))
	}
}

func TestJob_Copy(t *testing.T) {
	ci.Parallel(t)

	job := validJob()
	job.Dependencies = []string{"job-0"}
	job.Effective = &EffectivePriority{Class: 2, Urgency: 0.5}

	cp := job.Copy()
	must.Eq(t, job, cp)

	cp.Dependencies[0] = "changed"
	cp.Requirements.CPUCores = 99
	cp.Effective.Class = 4
	must.Eq(t, "job-0", job.Dependencies[0])
	must.Eq(t, 4, job.Requirements.CPUCores)
	must.Eq(t, 2, job.Effective.Class)
}

func TestCapabilities_Satisfies(t *testing.T) {
	ci.Parallel(t)

	caps := &Capabilities{CPUCores: 8, MemoryGB: 32, GPUCount: 1, GPUModel: "a100", StorageGB: 100}

	must.True(t, caps.Satisfies(nil))
	must.True(t, caps.Satisfies(&Requirements{CPUCores: 8, MemoryGB: 32}))
	must.False(t, caps.Satisfies(&Requirements{CPUCores: 9}))
	must.False(t, caps.Satisfies(&Requirements{GPUCount: 2}))
	must.False(t, caps.Satisfies(&Requirements{GPUModel: "h100"}))
	must.True(t, caps.Satisfies(&Requirements{GPUModel: "a100"}))

	// Specializations never gate.
	must.True(t, caps.Satisfies(&Requirements{Specializations: []string{"ml"}}))
}

func TestRequirements_Merge(t *testing.T) {
	ci.Parallel(t)

	a := &Requirements{CPUCores: 4, MemoryGB: 16, Specializations: []string{"render"}}
	b := &Requirements{CPUCores: 8, MemoryGB: 8, GPUCount: 1, Specializations: []string{"render", "ml"}}

	merged := a.Merge(b)
	must.Eq(t, 8, merged.CPUCores)
	must.Eq(t, 16, merged.MemoryGB)
	must.Eq(t, 1, merged.GPUCount)
	must.SliceContainsAll(t, []string{"render", "ml"}, merged.Specializations)

	var nilReq *Requirements
	must.Eq(t, 8, nilReq.Merge(b).CPUCores)
}

func TestCheckpointInterval(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 120*time.Minute, CheckpointInterval(ResilienceMinimal))
	must.Eq(t, 60*time.Minute, CheckpointInterval(ResilienceStandard))
	must.Eq(t, 30*time.Minute, CheckpointInterval(ResilienceHigh))
	must.Eq(t, 15*time.Minute, CheckpointInterval(ResilienceMaximum))
	must.Eq(t, 60*time.Minute, CheckpointInterval("bogus"))
}

func TestErrorThreshold(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 5, ErrorThreshold(TenantTierPremium, nil))
	must.Eq(t, 3, ErrorThreshold(TenantTierStandard, nil))
	must.Eq(t, 2, ErrorThreshold(TenantTierBasic, nil))
	must.Eq(t, 7, ErrorThreshold(TenantTierBasic, map[string]int{TenantTierBasic: 7}))
	must.Eq(t, 3, ErrorThreshold("bogus", nil))
}

func TestFailureSeverity(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, SeverityHigh, FailureSeverity(FailureNodeOffline))
	must.Eq(t, SeverityHigh, FailureSeverity(FailureDeadlock))
	must.Eq(t, SeverityMedium, FailureSeverity(FailureJobCrash))
	must.Eq(t, SeverityMedium, FailureSeverity(FailureMemoryExhaustion))
	must.Eq(t, SeverityLow, FailureSeverity(FailureStageFailed))
	must.Eq(t, SeverityLow, FailureSeverity(FailureTimeout))
	must.Eq(t, SeverityCritical, FailureSeverity(FailureUnknown))
}

func TestExitCode(t *testing.T) {
	ci.Parallel(t)

	must.Zero(t, ExitCode(nil))
	must.Eq(t, 2, ExitCode(NewValidationError("bad")))
	must.Eq(t, 3, ExitCode(NewNotFoundError("job", "x")))
	must.Eq(t, 4, ExitCode(NewDuplicateIDError("job", "x")))
	must.Eq(t, 4, ExitCode(NewIllegalTransitionError("x", "queued", "completed")))
	must.Eq(t, 4, ExitCode(NewInvariantError("broken")))
}

func TestJob_DeadlineSlack(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	job := validJob()
	job.Deadline = now.Add(4 * time.Hour)
	job.EstimatedDuration = time.Hour
	job.Progress = 50

	// 4h remaining minus 30m outstanding work.
	must.Eq(t, 3*time.Hour+30*time.Minute, job.DeadlineSlack(now))
}
