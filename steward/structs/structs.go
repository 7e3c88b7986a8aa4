// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"slices"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/mitchellh/hashstructure"
)

const (
	TenantTierPremium  = "premium"
	TenantTierStandard = "standard"
	TenantTierBasic    = "basic"
)

// Tenant is an owner of jobs with SLA shares in the fleet. GuaranteedShare
// is the minimum fleet percentage reserved for the tenant while it has
// demand; MaxShare caps its usage including borrowed capacity.
type Tenant struct {
	ID   string
	Name string

	// Tier selects the error threshold and recovery aggressiveness applied
	// to the tenant's jobs.
	Tier string

	// GuaranteedShare is a fleet percentage in [0, 100]. The registry
	// rejects registrations that would push the sum over 100.
	GuaranteedShare float64

	// MaxShare bounds the tenant's total usage including borrowed capacity.
	// Must be in [GuaranteedShare, 100].
	MaxShare float64

	CreateIndex uint64
	ModifyIndex uint64
}

func (t *Tenant) Copy() *Tenant {
	if t == nil {
		return nil
	}
	nt := new(Tenant)
	*nt = *t
	return nt
}

func (t *Tenant) Validate() error {
	var mErr multierror.Error
	if t.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing tenant ID"))
	}
	if t.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing tenant name"))
	}
	switch t.Tier {
	case TenantTierPremium, TenantTierStandard, TenantTierBasic:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid tenant tier %q", t.Tier))
	}
	if t.GuaranteedShare < 0 || t.GuaranteedShare > 100 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("guaranteed share must be within [0, 100], got %v", t.GuaranteedShare))
	}
	if t.MaxShare < t.GuaranteedShare || t.MaxShare > 100 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max share must be within [%v, 100], got %v", t.GuaranteedShare, t.MaxShare))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError("invalid tenant: %v", err)
	}
	return nil
}

const (
	NodeStatusOnline      = "online"
	NodeStatusOffline     = "offline"
	NodeStatusMaintenance = "maintenance"
	NodeStatusError       = "error"
)

// Capabilities describes what a node offers. The same vector shape doubles
// as a job's requirement profile, see Requirements.
type Capabilities struct {
	CPUCores  int
	MemoryGB  int
	GPUCount  int
	GPUModel  string
	StorageGB int

	// Specializations the node is tuned for, e.g. "render", "sim", "ml".
	Specializations []string

	// PowerWatts is the estimated full-load power draw, used by the energy
	// optimizer to penalize or prefer nodes.
	PowerWatts int
}

func (c *Capabilities) Copy() *Capabilities {
	if c == nil {
		return nil
	}
	nc := new(Capabilities)
	*nc = *c
	nc.Specializations = slices.Clone(c.Specializations)
	return nc
}

func (c *Capabilities) Validate() error {
	var mErr multierror.Error
	if c.CPUCores <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("cpu cores must be positive"))
	}
	if c.MemoryGB <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("memory must be positive"))
	}
	if c.GPUCount < 0 || c.StorageGB < 0 || c.PowerWatts < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("capability values may not be negative"))
	}
	return mErr.ErrorOrNil()
}

// HasSpecialization returns true if the node advertises the specialization.
func (c *Capabilities) HasSpecialization(s string) bool {
	return slices.Contains(c.Specializations, s)
}

// Satisfies returns true when every hard requirement is met by the vector.
// Specializations are a soft signal and are not checked here.
func (c *Capabilities) Satisfies(req *Requirements) bool {
	if req == nil {
		return true
	}
	if c.CPUCores < req.CPUCores || c.MemoryGB < req.MemoryGB {
		return false
	}
	if c.GPUCount < req.GPUCount || c.StorageGB < req.StorageGB {
		return false
	}
	if req.GPUModel != "" && c.GPUModel != req.GPUModel {
		return false
	}
	return true
}

// Requirements is the subset of the capability vector a job may demand.
type Requirements struct {
	CPUCores  int
	MemoryGB  int
	GPUCount  int
	GPUModel  string
	StorageGB int

	// Specializations the job prefers. Matching is scored, not gating.
	Specializations []string
}

func (r *Requirements) Copy() *Requirements {
	if r == nil {
		return nil
	}
	nr := new(Requirements)
	*nr = *r
	nr.Specializations = slices.Clone(r.Specializations)
	return nr
}

func (r *Requirements) Validate() error {
	if r == nil {
		return nil
	}
	if r.CPUCores < 0 || r.MemoryGB < 0 || r.GPUCount < 0 || r.StorageGB < 0 {
		return fmt.Errorf("requirement values may not be negative")
	}
	return nil
}

// Merge returns the element-wise maximum of two requirement vectors. Used
// by the partitioner to build a tenant's aggregate requirement profile.
func (r *Requirements) Merge(other *Requirements) *Requirements {
	if r == nil {
		return other.Copy()
	}
	out := r.Copy()
	if other == nil {
		return out
	}
	out.CPUCores = max(out.CPUCores, other.CPUCores)
	out.MemoryGB = max(out.MemoryGB, other.MemoryGB)
	out.GPUCount = max(out.GPUCount, other.GPUCount)
	out.StorageGB = max(out.StorageGB, other.StorageGB)
	if out.GPUModel == "" {
		out.GPUModel = other.GPUModel
	}
	for _, s := range other.Specializations {
		if !slices.Contains(out.Specializations, s) {
			out.Specializations = append(out.Specializations, s)
		}
	}
	return out
}

// PerfStats tracks how well a node has historically run jobs of one kind.
// Values are exponential moving averages.
type PerfStats struct {
	Samples int

	// AvgRuntimeSeconds is the EMA of observed runtimes.
	AvgRuntimeSeconds float64

	// SuccessRate is the EMA of completion-without-failure, in [0, 1].
	SuccessRate float64

	// FitScore is the EMA of the normalized throughput score reported by
	// the agent, in [0, 1]. Consumed directly by the matcher.
	FitScore float64
}

func (p *PerfStats) Copy() *PerfStats {
	if p == nil {
		return nil
	}
	np := new(PerfStats)
	*np = *p
	return np
}

// Node is a worker machine with a capability vector and at most one current
// job.
type Node struct {
	ID     string
	Name   string
	Status string

	Capabilities *Capabilities

	// CurrentJobID is set iff a job with status running is assigned here.
	CurrentJobID string

	// LastError records the most recent failure observed on the node.
	LastError string

	// PerfHistory is keyed by job kind.
	PerfHistory map[string]*PerfStats

	// CapabilityHash fingerprints the capability vector so history and
	// caches keyed on it survive node renames.
	CapabilityHash uint64

	StatusUpdatedAt time.Time
	LastHeartbeatAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	nn := new(Node)
	*nn = *n
	nn.Capabilities = n.Capabilities.Copy()
	if n.PerfHistory != nil {
		nn.PerfHistory = make(map[string]*PerfStats, len(n.PerfHistory))
		for k, v := range n.PerfHistory {
			nn.PerfHistory[k] = v.Copy()
		}
	}
	return nn
}

func (n *Node) Validate() error {
	var mErr multierror.Error
	if n.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing node ID"))
	}
	if n.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing node name"))
	}
	switch n.Status {
	case NodeStatusOnline, NodeStatusOffline, NodeStatusMaintenance, NodeStatusError:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid node status %q", n.Status))
	}
	if n.Capabilities == nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing node capabilities"))
	} else if err := n.Capabilities.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError("invalid node: %v", err)
	}
	return nil
}

// Ready returns true if the node can accept a new placement.
func (n *Node) Ready() bool {
	return n.Status == NodeStatusOnline && n.CurrentJobID == ""
}

// ComputeCapabilityHash populates CapabilityHash from the capability
// vector.
func (n *Node) ComputeCapabilityHash() error {
	h, err := hashstructure.Hash(n.Capabilities, nil)
	if err != nil {
		return fmt.Errorf("failed to hash node capabilities: %v", err)
	}
	n.CapabilityHash = h
	return nil
}

const (
	JobStatusPending   = "pending"
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusCancelled = "cancelled"
	JobStatusFailed    = "failed"
)

const (
	JobPriorityCritical = "critical"
	JobPriorityHigh     = "high"
	JobPriorityMedium   = "medium"
	JobPriorityLow      = "low"
)

// jobClassRank orders priority classes for the priority engine; higher runs
// first.
var jobClassRank = map[string]int{
	JobPriorityCritical: 4,
	JobPriorityHigh:     3,
	JobPriorityMedium:   2,
	JobPriorityLow:      1,
}

// legalTransitions is the job lifecycle table. Terminal statuses have no
// entry: nothing moves a job out of completed, cancelled or failed.
var legalTransitions = map[string][]string{
	JobStatusPending: {JobStatusQueued, JobStatusRunning, JobStatusCancelled},
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusQueued, JobStatusCancelled},
}

// TransitionLegal returns true if the lifecycle table permits from -> to.
func TransitionLegal(from, to string) bool {
	return slices.Contains(legalTransitions[from], to)
}

// EffectivePriority is the per-cycle scheduling key computed by the
// priority engine. Class dominates; urgency breaks ties within a class.
type EffectivePriority struct {
	// Class is the rank derived from the job priority, critical=4 .. low=1.
	// Past-deadline jobs are force-promoted to 4.
	Class int

	// Urgency is estimated_duration / remaining slack; +Inf once the
	// deadline has passed.
	Urgency float64
}

// Job is a unit of work with a deadline and requirements.
type Job struct {
	ID       string
	TenantID string
	Name     string

	// Kind groups jobs for performance history, e.g. "render", "sim".
	Kind string

	Priority string
	Status   string

	Deadline          time.Time
	EstimatedDuration time.Duration

	// Progress is the agent-reported completion percentage in [0, 100].
	Progress float64

	Requirements *Requirements

	// Dependencies lists job IDs that must be completed before this job
	// may run.
	Dependencies []string

	// SupportsProgressiveOutput marks jobs that emit intermediate
	// artifacts and therefore benefit from aggressive checkpointing.
	SupportsProgressiveOutput bool

	AssignedNodeID string

	// ErrorCount is incremented on each failure-driven requeue. Once it
	// exceeds the tier threshold the job is failed.
	ErrorCount int

	SubmitTime       time.Time
	LastCheckpointAt time.Time

	// RestoreCheckpointID carries the checkpoint handle to resume from on
	// the next placement, set by the recovery planner.
	RestoreCheckpointID string

	// Effective is the latest priority snapshot, recomputed each cycle.
	Effective *EffectivePriority

	// LatestPlanID references the most recent recovery plan touching this
	// job, surfaced through status queries.
	LatestPlanID string

	// CancelRequestedAt is set once a cancellation intent is enqueued.
	CancelRequestedAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := new(Job)
	*nj = *j
	nj.Requirements = j.Requirements.Copy()
	nj.Dependencies = slices.Clone(j.Dependencies)
	if j.Effective != nil {
		eff := *j.Effective
		nj.Effective = &eff
	}
	return nj
}

func (j *Job) Validate() error {
	var mErr multierror.Error
	if j.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing job ID"))
	}
	if j.TenantID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing tenant ID"))
	}
	if j.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing job name"))
	}
	if _, ok := jobClassRank[j.Priority]; !ok {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid job priority %q", j.Priority))
	}
	switch j.Status {
	case JobStatusPending, JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid job status %q", j.Status))
	}
	if j.EstimatedDuration <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("estimated duration must be positive"))
	}
	if j.Progress < 0 || j.Progress > 100 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("progress must be within [0, 100]"))
	}
	if slices.Contains(j.Dependencies, j.ID) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("job cannot depend on itself"))
	}
	if err := j.Requirements.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewValidationError("invalid job: %v", err)
	}
	return nil
}

// ClassRank returns the numeric rank of the job's priority class.
func (j *Job) ClassRank() int {
	return jobClassRank[j.Priority]
}

// TerminalStatus returns true when no further transitions are allowed.
func (j *Job) TerminalStatus() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	}
	return false
}

// Runnable returns true if the job is waiting to be placed.
func (j *Job) Runnable() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusQueued
}

// DeadlineSlack returns the time remaining until the deadline minus the
// estimated duration still outstanding. Negative slack means the deadline
// cannot be met at the estimate.
func (j *Job) DeadlineSlack(now time.Time) time.Duration {
	remaining := time.Duration(float64(j.EstimatedDuration) * (100 - j.Progress) / 100)
	return j.Deadline.Sub(now) - remaining
}

// ValidJobPriority returns true for a recognized priority class name.
func ValidJobPriority(p string) bool {
	_, ok := jobClassRank[p]
	return ok
}

// Allocation is the per-cycle capacity grant for one tenant. Allocations
// are derived state: recomputed every cycle and never persisted.
type Allocation struct {
	TenantID string

	// NodeIDs granted to the tenant this cycle, sorted for determinism.
	NodeIDs []string

	// AllocatedShare is the percentage of online capacity granted.
	AllocatedShare float64

	// BorrowedFrom maps lender tenant ID to the share taken from its idle
	// guarantee. Mirrored by the lender's LentTo.
	BorrowedFrom map[string]float64

	// LentTo maps borrower tenant ID to the share lent out.
	LentTo map[string]float64
}

func NewAllocation(tenantID string) *Allocation {
	return &Allocation{
		TenantID:     tenantID,
		BorrowedFrom: make(map[string]float64),
		LentTo:       make(map[string]float64),
	}
}

func (a *Allocation) Copy() *Allocation {
	if a == nil {
		return nil
	}
	na := NewAllocation(a.TenantID)
	na.AllocatedShare = a.AllocatedShare
	na.NodeIDs = slices.Clone(a.NodeIDs)
	for k, v := range a.BorrowedFrom {
		na.BorrowedFrom[k] = v
	}
	for k, v := range a.LentTo {
		na.LentTo[k] = v
	}
	return na
}

// TransitionRequest is the argument to the registry's ApplyTransition. The
// registry verifies FromStatus against current state so that plans computed
// on a snapshot fail cleanly if the world moved underneath them.
type TransitionRequest struct {
	JobID      string
	FromStatus string
	ToStatus   string

	// NodeID must be set when transitioning to running and names the node
	// receiving the placement.
	NodeID string

	// Reason is recorded in the audit trail.
	Reason string

	// IncrementError bumps the job's ErrorCount, used on failure-driven
	// requeues.
	IncrementError bool

	// ClearRestore resets the restore handle after a successful placement
	// consumed it.
	ClearRestore bool

	At time.Time
}
