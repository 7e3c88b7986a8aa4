// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

const (
	CheckpointKindPeriodic      = "periodic"
	CheckpointKindStageComplete = "stage_complete"
	CheckpointKindManual        = "manual"
)

// Checkpoint is the durable record of a job snapshot. The coordinator
// guarantees at most one in-flight capture per job and prunes older
// checkpoints only once a newer one is durable.
type Checkpoint struct {
	ID    string
	JobID string
	Kind  string

	CreatedAt time.Time

	// Progress is the job progress at capture time.
	Progress float64

	SizeBytes int64

	// StorageHandle is the opaque reference the node agent needs to
	// restore from this checkpoint.
	StorageHandle string

	// Durable is set once the agent acknowledges the capture is safely
	// stored. Only durable checkpoints may be restored from or may cause
	// predecessors to be pruned.
	Durable bool

	CreateIndex uint64
	ModifyIndex uint64
}

func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	nc := new(Checkpoint)
	*nc = *c
	return nc
}

func (c *Checkpoint) Validate() error {
	if c.ID == "" || c.JobID == "" {
		return NewValidationError("checkpoint requires ID and job ID")
	}
	switch c.Kind {
	case CheckpointKindPeriodic, CheckpointKindStageComplete, CheckpointKindManual:
	default:
		return NewValidationError("invalid checkpoint kind %q", c.Kind)
	}
	return nil
}

const (
	ResilienceMinimal  = "minimal"
	ResilienceStandard = "standard"
	ResilienceHigh     = "high"
	ResilienceMaximum  = "maximum"
)

// checkpointIntervals maps resilience level to the periodic capture
// interval.
var checkpointIntervals = map[string]time.Duration{
	ResilienceMinimal:  120 * time.Minute,
	ResilienceStandard: 60 * time.Minute,
	ResilienceHigh:     30 * time.Minute,
	ResilienceMaximum:  15 * time.Minute,
}

// CheckpointInterval returns the capture interval for a resilience level,
// defaulting to the standard interval for unknown levels.
func CheckpointInterval(level string) time.Duration {
	if d, ok := checkpointIntervals[level]; ok {
		return d
	}
	return checkpointIntervals[ResilienceStandard]
}

// ValidResilienceLevel returns true for a recognized level name.
func ValidResilienceLevel(level string) bool {
	_, ok := checkpointIntervals[level]
	return ok
}

const (
	FailureNodeOffline      = "node_offline"
	FailureJobCrash         = "job_crash"
	FailureStageFailed      = "stage_failed"
	FailureTimeout          = "timeout"
	FailureMemoryExhaustion = "memory_exhaustion"
	FailureDeadlock         = "deadlock"
	FailureUnknown          = "unknown"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// FailureEvent records an observed domain failure. Failures are never
// raised synchronously; detectors record them and the recovery pipeline
// consumes them.
type FailureEvent struct {
	ID       string
	Kind     string
	Severity string

	DetectedAt time.Time

	NodeID string
	JobID  string

	Resolved bool

	// ResolutionRef names the recovery plan that resolved the failure.
	ResolutionRef string

	CreateIndex uint64
	ModifyIndex uint64
}

func (f *FailureEvent) Copy() *FailureEvent {
	if f == nil {
		return nil
	}
	nf := new(FailureEvent)
	*nf = *f
	return nf
}

func (f *FailureEvent) Validate() error {
	if f.ID == "" {
		return NewValidationError("failure event requires an ID")
	}
	switch f.Kind {
	case FailureNodeOffline, FailureJobCrash, FailureStageFailed, FailureTimeout,
		FailureMemoryExhaustion, FailureDeadlock, FailureUnknown:
	default:
		return NewValidationError("invalid failure kind %q", f.Kind)
	}
	switch f.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return NewValidationError("invalid failure severity %q", f.Severity)
	}
	return nil
}

const (
	RecoveryActionRestart           = "restart"
	RecoveryActionRestoreCheckpoint = "restore_checkpoint"
	RecoveryActionMigrate           = "migrate"
	RecoveryActionPartialRestart    = "partial_restart"
	RecoveryActionReconfigure       = "reconfigure"
	RecoveryActionSkip              = "skip"
	RecoveryActionAbort             = "abort"
	RecoveryActionManual            = "manual"
)

const (
	PlanStateCreated   = "plan_created"
	PlanStateExecuting = "executing"
	PlanStateResolved  = "resolved"
	PlanStateEscalated = "escalated"
)

// RecoveryPlan is a chosen action for a detected failure, tracked with
// timestamps for MTTR accounting.
type RecoveryPlan struct {
	ID        string
	FailureID string
	Action    string

	// TargetCheckpointID is set for checkpoint-based actions and names the
	// durable checkpoint to restore from.
	TargetCheckpointID string

	State string

	CreatedAt   time.Time
	CompletedAt time.Time
	Success     bool

	CreateIndex uint64
	ModifyIndex uint64
}

func (p *RecoveryPlan) Copy() *RecoveryPlan {
	if p == nil {
		return nil
	}
	np := new(RecoveryPlan)
	*np = *p
	return np
}

func (p *RecoveryPlan) Validate() error {
	if p.ID == "" || p.FailureID == "" {
		return NewValidationError("recovery plan requires ID and failure ID")
	}
	switch p.Action {
	case RecoveryActionRestart, RecoveryActionRestoreCheckpoint, RecoveryActionMigrate,
		RecoveryActionPartialRestart, RecoveryActionReconfigure, RecoveryActionSkip,
		RecoveryActionAbort, RecoveryActionManual:
	default:
		return NewValidationError("invalid recovery action %q", p.Action)
	}
	return nil
}

// MTTR returns the observed time-to-recovery, or zero if the plan has not
// completed.
func (p *RecoveryPlan) MTTR() time.Duration {
	if p.CompletedAt.IsZero() {
		return 0
	}
	return p.CompletedAt.Sub(p.CreatedAt)
}

// DefaultErrorThresholds maps tenant tier to the failure-driven requeue
// budget before a job is failed outright.
var DefaultErrorThresholds = map[string]int{
	TenantTierPremium:  5,
	TenantTierStandard: 3,
	TenantTierBasic:    2,
}

// ErrorThreshold returns the requeue budget for a tier, with overrides
// taking precedence.
func ErrorThreshold(tier string, overrides map[string]int) int {
	if overrides != nil {
		if v, ok := overrides[tier]; ok {
			return v
		}
	}
	if v, ok := DefaultErrorThresholds[tier]; ok {
		return v
	}
	return DefaultErrorThresholds[TenantTierStandard]
}

// FailureSeverity classifies the default severity for a failure kind.
func FailureSeverity(kind string) string {
	switch kind {
	case FailureNodeOffline, FailureDeadlock:
		return SeverityHigh
	case FailureMemoryExhaustion, FailureJobCrash:
		return SeverityMedium
	case FailureStageFailed, FailureTimeout:
		return SeverityLow
	default:
		return SeverityCritical
	}
}

func (f *FailureEvent) String() string {
	return fmt.Sprintf("<failure %s kind=%s node=%s job=%s>", f.ID, f.Kind, f.NodeID, f.JobID)
}
