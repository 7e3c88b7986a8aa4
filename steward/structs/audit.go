// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Audit event kinds emitted by the core components.
const (
	AuditTenantRegistered     = "tenant_registered"
	AuditNodeRegistered       = "node_registered"
	AuditNodeStatusChanged    = "node_status_changed"
	AuditJobSubmitted         = "job_submitted"
	AuditJobScheduled         = "job_scheduled"
	AuditJobCompleted         = "job_completed"
	AuditJobFailed            = "job_failed"
	AuditJobCancelled         = "job_cancelled"
	AuditJobRequeued          = "job_requeued"
	AuditJobDeferredEnergy    = "job_deferred_energy"
	AuditAllocationComputed   = "allocation_computed"
	AuditUnderCapacity        = "under_capacity"
	AuditCycleCompleted       = "cycle_completed"
	AuditCheckpointScheduled  = "checkpoint_scheduled"
	AuditCheckpointCreated    = "checkpoint_created"
	AuditCheckpointFailed     = "checkpoint_failed"
	AuditCheckpointPruned     = "checkpoint_pruned"
	AuditFailureDetected      = "failure_detected"
	AuditRecoveryPlanCreated  = "recovery_plan_created"
	AuditRecoveryPlanResolved = "recovery_plan_resolved"
	AuditRecoveryEscalated    = "recovery_escalated"
)

// AuditEvent is one entry in the append-only audit stream. Seq is assigned
// by the recorder and is strictly increasing; Causes references the Seq of
// earlier events this one is a consequence of.
type AuditEvent struct {
	Seq   uint64
	TS    time.Time
	Kind  string
	Actor string

	// SubjectRefs names the entities the event concerns, as
	// "type:id" pairs, e.g. "job:9f31", "node:n4".
	SubjectRefs []string

	Payload map[string]any

	Causes []uint64
}
