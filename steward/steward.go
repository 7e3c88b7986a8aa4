// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package steward wires the orchestrator core: registry, scheduler,
// checkpointing, recovery, audit stream and persistence, behind one
// Orchestrator facade the CLI and embedders talk to.
package steward

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/steward/helper/uuid"
	"github.com/hashicorp/steward/scheduler"
	"github.com/hashicorp/steward/steward/agent"
	"github.com/hashicorp/steward/steward/checkpoint"
	"github.com/hashicorp/steward/steward/config"
	"github.com/hashicorp/steward/steward/persist"
	"github.com/hashicorp/steward/steward/recovery"
	"github.com/hashicorp/steward/steward/state"
	"github.com/hashicorp/steward/steward/stream"
	"github.com/hashicorp/steward/steward/structs"
)

// Orchestrator is the top-level coordinator. All external adapters (CLI,
// node agents, embedders) go through its methods; none touch the registry
// or the scheduler directly.
type Orchestrator struct {
	cfg    *config.Config
	logger hclog.Logger

	state    *state.StateStore
	backend  persist.Backend
	recorder *stream.Recorder

	matcher *scheduler.Matcher
	energy  *scheduler.EnergyOptimizer
	sched   *scheduler.Scheduler
	coord   *checkpoint.Coordinator
	engine  *recovery.Engine
	monitor *recovery.HeartbeatMonitor
	agent   agent.Agent

	// running mirrors the set of jobs the orchestrator has started on
	// agents, jobID to nodeID. Used to diff after each cycle.
	mu      sync.Mutex
	running map[string]string

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool

	now func() time.Time
}

// New builds a fully wired orchestrator. The agent is the deployment's
// execution surface; tests pass agent.NewTestAgent().
func New(cfg *config.Config, logger hclog.Logger, ag agent.Agent) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.Named("steward")

	store, err := state.NewStateStore(logger)
	if err != nil {
		return nil, err
	}

	var backend persist.Backend
	if cfg.DataDir != "" {
		bolt, err := persist.NewBoltBackend(logger, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		backend = persist.NewRetryingBackend(logger, bolt)
	}

	var sinks []stream.Sink
	if cfg.AuditPath != "" {
		ndjson, err := stream.NewNDJSONSink(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ndjson)
	}
	if backend != nil {
		sinks = append(sinks, stream.NewPersistSink(backend))
	}
	recorder := stream.NewRecorder(logger, sinks...)

	matcher := scheduler.NewMatcher(logger, scheduler.DefaultMatchWeights())
	partitioner := scheduler.NewPartitioner(logger, matcher)
	energy, err := scheduler.NewEnergyOptimizer(logger, matcher, cfg.EnergyMode, cfg.OffPeakSchedule)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(logger, matcher, partitioner, energy, recorder)

	coord, err := checkpoint.NewCoordinator(logger, store, ag, recorder, cfg.ResilienceLevel)
	if err != nil {
		return nil, err
	}
	coord.SetInterval(cfg.CheckpointInterval())

	engine := recovery.NewEngine(logger, store, ag, recorder, cfg.ErrorThresholdPerTier)
	monitor := recovery.NewHeartbeatMonitor(logger, store, engine, cfg.HeartbeatTimeout())

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		state:    store,
		backend:  backend,
		recorder: recorder,
		matcher:  matcher,
		energy:   energy,
		sched:    sched,
		coord:    coord,
		engine:   engine,
		monitor:  monitor,
		agent:    ag,
		running:  make(map[string]string),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}

	if backend != nil {
		coord.SetHooks(
			func(cp *structs.Checkpoint) {
				data, err := persist.Encode(cp)
				if err == nil {
					err = backend.Put(persist.NamespaceCheckpoints, cp.ID, data)
				}
				if err != nil {
					logger.Error("failed to persist checkpoint", "checkpoint_id", cp.ID, "error", err)
				}
			},
			func(checkpointID string) {
				if err := backend.Delete(persist.NamespaceCheckpoints, checkpointID); err != nil {
					logger.Error("failed to delete persisted checkpoint", "checkpoint_id", checkpointID, "error", err)
				}
			},
		)
		if err := o.restore(); err != nil {
			return nil, fmt.Errorf("failed to restore persisted state: %w", err)
		}
	}
	return o, nil
}

// Start runs the cycle ticker until ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.cfg.CycleInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := o.RunCycle(ctx); err != nil {
				o.logger.Error("scheduling cycle failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		}
	}
}

// Stop shuts the orchestrator down: ticker, heartbeat timers, audit
// recorder and backend, in that order so late events still flush.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.stopCh)
	select {
	case <-o.doneCh:
	case <-time.After(time.Second):
	}
	o.monitor.Stop()
	o.recorder.Stop()
	if o.backend != nil {
		if err := o.backend.Close(); err != nil {
			o.logger.Error("failed to close persistence backend", "error", err)
		}
	}
}

// State exposes the registry for read-only status queries.
func (o *Orchestrator) State() *state.StateStore { return o.state }

// Recorder exposes the audit stream for queries.
func (o *Orchestrator) Recorder() *stream.Recorder { return o.recorder }

// RegisterTenant validates and registers a tenant.
func (o *Orchestrator) RegisterTenant(tenant *structs.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = "tenant-" + uuid.Short()
	}
	if err := tenant.Validate(); err != nil {
		return err
	}
	if err := o.state.AddTenant(tenant); err != nil {
		return err
	}
	o.recorder.Record(structs.AuditTenantRegistered, "api",
		[]string{"tenant:" + tenant.ID}, map[string]any{
			"name":             tenant.Name,
			"tier":             tenant.Tier,
			"guaranteed_share": tenant.GuaranteedShare,
			"max_share":        tenant.MaxShare,
		})
	return o.persistTenant(tenant)
}

// RegisterNode validates and registers a node and arms its heartbeat TTL.
func (o *Orchestrator) RegisterNode(node *structs.Node) error {
	if node.ID == "" {
		node.ID = "node-" + uuid.Short()
	}
	if node.Status == "" {
		node.Status = structs.NodeStatusOnline
	}
	if err := node.Validate(); err != nil {
		return err
	}
	if err := node.ComputeCapabilityHash(); err != nil {
		return err
	}
	if err := o.state.AddNode(node); err != nil {
		return err
	}
	o.monitor.Watch(node.ID)
	o.recorder.Record(structs.AuditNodeRegistered, "api",
		[]string{"node:" + node.ID}, map[string]any{
			"name":            node.Name,
			"capability_hash": node.CapabilityHash,
		})
	return o.persistNode(node.ID)
}

// SubmitJob validates and enqueues a job in pending status.
func (o *Orchestrator) SubmitJob(job *structs.Job) error {
	if job.ID == "" {
		job.ID = "job-" + uuid.Short()
	}
	if job.Status == "" {
		job.Status = structs.JobStatusPending
	}
	if job.SubmitTime.IsZero() {
		job.SubmitTime = o.now()
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if err := o.state.AddJob(job); err != nil {
		return err
	}
	o.recorder.Record(structs.AuditJobSubmitted, "api",
		[]string{"job:" + job.ID, "tenant:" + job.TenantID}, map[string]any{
			"name":     job.Name,
			"kind":     job.Kind,
			"priority": job.Priority,
			"deadline": job.Deadline,
		})
	return o.persistJob(job.ID)
}

// SetJobPriority changes a job's priority class. Running jobs keep running;
// the new class applies from the next cycle.
func (o *Orchestrator) SetJobPriority(jobID, priority string) error {
	if err := o.state.UpdateJobPriority(jobID, priority); err != nil {
		return err
	}
	return o.persistJob(jobID)
}

// SetEnergyMode switches the energy policy at runtime.
func (o *Orchestrator) SetEnergyMode(mode string) error {
	return o.energy.SetMode(mode)
}

// NodeHeartbeat ingests a node liveness signal.
func (o *Orchestrator) NodeHeartbeat(nodeID string) error {
	if err := o.monitor.Beat(nodeID, o.now()); err != nil {
		return err
	}
	return o.persistNode(nodeID)
}

// JobProgress ingests an agent progress report.
func (o *Orchestrator) JobProgress(ctx context.Context, jobID string, progress float64) error {
	if err := o.state.UpdateJobProgress(jobID, progress); err != nil {
		return err
	}
	o.coord.ObserveProgress(ctx, jobID, progress)
	return o.persistJob(jobID)
}

// StageCompleted ingests a stage boundary and captures a stage checkpoint.
func (o *Orchestrator) StageCompleted(ctx context.Context, jobID string) error {
	_, err := o.coord.Capture(ctx, jobID, structs.CheckpointKindStageComplete)
	return err
}

// JobCompleted ingests a successful completion from the node agent.
func (o *Orchestrator) JobCompleted(jobID string, runtime time.Duration) error {
	job, err := o.state.JobByID(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.NewNotFoundError("job", jobID)
	}
	nodeID := job.AssignedNodeID

	err = o.state.ApplyTransition(&structs.TransitionRequest{
		JobID:      jobID,
		FromStatus: structs.JobStatusRunning,
		ToStatus:   structs.JobStatusCompleted,
		Reason:     "agent reported completion",
		At:         o.now(),
	})
	if err != nil {
		return err
	}

	o.coord.UntrackJob(jobID)
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()

	if nodeID != "" {
		score := deadlineFitScore(job, o.now())
		if err := o.state.UpdateNodePerfHistory(nodeID, job.Kind, runtime.Seconds(), score, true); err != nil {
			o.logger.Error("failed to update node performance history",
				"node_id", nodeID, "error", err)
		}
	}
	o.recorder.Record(structs.AuditJobCompleted, "agent",
		[]string{"job:" + jobID, "node:" + nodeID}, map[string]any{
			"runtime_seconds": runtime.Seconds(),
		})
	if err := o.persistJob(jobID); err != nil {
		return err
	}
	return o.persistNode(nodeID)
}

// JobFailed ingests a workload failure from the node agent. The failure
// kind selects the recovery strategy.
func (o *Orchestrator) JobFailed(ctx context.Context, jobID, kind string, runtime time.Duration) error {
	job, err := o.state.JobByID(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.NewNotFoundError("job", jobID)
	}
	nodeID := job.AssignedNodeID

	o.coord.UntrackJob(jobID)
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()

	if nodeID != "" && runtime > 0 {
		if err := o.state.UpdateNodePerfHistory(nodeID, job.Kind, runtime.Seconds(), 0, false); err != nil {
			o.logger.Error("failed to update node performance history",
				"node_id", nodeID, "error", err)
		}
	}

	f := &structs.FailureEvent{
		Kind:   kind,
		JobID:  jobID,
		NodeID: nodeID,
	}
	if _, err := o.engine.HandleFailure(ctx, f); err != nil {
		return err
	}
	if err := o.persistJob(jobID); err != nil {
		return err
	}
	return o.persistNode(nodeID)
}

// RunCycle executes one scheduling cycle immediately, then starts newly
// placed workloads on their agents.
func (o *Orchestrator) RunCycle(ctx context.Context) (*scheduler.CycleReport, error) {
	now := o.now()
	report, err := o.sched.RunCycle(o.state.Snapshot(), o.state, now)
	if err != nil {
		return nil, err
	}

	if err := o.startPlacedJobs(ctx); err != nil {
		return report, err
	}

	o.coord.Tick(ctx, now)
	if err := o.engine.CheckEscalations(now); err != nil {
		o.logger.Error("recovery escalation check failed", "error", err)
	}
	if err := o.persistAllJobs(); err != nil {
		return report, err
	}
	return report, nil
}

// startPlacedJobs diffs the running set against the registry and starts
// workloads the last cycle placed. A start failure feeds the recovery
// pipeline as a job crash.
func (o *Orchestrator) startPlacedJobs(ctx context.Context) error {
	runningJobs, err := o.state.JobsByStatus(structs.JobStatusRunning)
	if err != nil {
		return err
	}
	for _, job := range runningJobs {
		o.mu.Lock()
		_, started := o.running[job.ID]
		o.mu.Unlock()
		if started {
			continue
		}

		node, err := o.state.NodeByID(job.AssignedNodeID)
		if err != nil || node == nil {
			continue
		}

		restoreHandle := ""
		var restoreFrom *structs.Checkpoint
		if job.RestoreCheckpointID != "" {
			if cp, err := o.state.CheckpointByID(job.RestoreCheckpointID); err == nil && cp != nil {
				restoreHandle = cp.StorageHandle
				restoreFrom = cp
			}
		}

		if err := o.agent.Start(ctx, job, node, restoreHandle); err != nil {
			o.logger.Error("agent failed to start job",
				"job_id", job.ID, "node_id", node.ID, "error", err)
			f := &structs.FailureEvent{
				Kind:   structs.FailureJobCrash,
				JobID:  job.ID,
				NodeID: node.ID,
			}
			if _, herr := o.engine.HandleFailure(ctx, f); herr != nil {
				o.logger.Error("failed to handle start failure", "job_id", job.ID, "error", herr)
			}
			continue
		}

		if job.RestoreCheckpointID != "" {
			if err := o.state.SetJobRestoreCheckpoint(job.ID, "", ""); err != nil {
				return err
			}
		}
		// The workload resumes from the checkpoint, not from where it
		// crashed.
		if restoreFrom != nil {
			if err := o.state.UpdateJobProgress(job.ID, restoreFrom.Progress); err != nil {
				o.logger.Error("failed to reset progress after restore",
					"job_id", job.ID, "error", err)
			}
		}
		o.mu.Lock()
		o.running[job.ID] = node.ID
		o.mu.Unlock()
		o.coord.TrackJob(job.ID, o.now())
	}
	return nil
}

// deadlineFitScore maps completion timing to [0, 1]: finishing with slack
// scores high, finishing past the deadline scores low.
func deadlineFitScore(job *structs.Job, completedAt time.Time) float64 {
	if job.Deadline.IsZero() {
		return 0.5
	}
	if completedAt.After(job.Deadline) {
		return 0.1
	}
	slack := job.Deadline.Sub(completedAt)
	if job.EstimatedDuration <= 0 {
		return 0.5
	}
	ratio := float64(slack) / float64(job.EstimatedDuration)
	if ratio > 1 {
		ratio = 1
	}
	return 0.5 + 0.5*ratio
}

// persistence helpers; all no-ops without a backend.

func (o *Orchestrator) persistTenant(tenant *structs.Tenant) error {
	if o.backend == nil {
		return nil
	}
	data, err := persist.Encode(tenant)
	if err != nil {
		return err
	}
	return o.backend.Put(persist.NamespaceTenants, tenant.ID, data)
}

func (o *Orchestrator) persistNode(nodeID string) error {
	if o.backend == nil || nodeID == "" {
		return nil
	}
	node, err := o.state.NodeByID(nodeID)
	if err != nil || node == nil {
		return err
	}
	data, err := persist.Encode(node)
	if err != nil {
		return err
	}
	return o.backend.Put(persist.NamespaceNodes, node.ID, data)
}

func (o *Orchestrator) persistJob(jobID string) error {
	if o.backend == nil {
		return nil
	}
	job, err := o.state.JobByID(jobID)
	if err != nil || job == nil {
		return err
	}
	data, err := persist.Encode(job)
	if err != nil {
		return err
	}
	return o.backend.Put(persist.NamespaceJobs, job.ID, data)
}

func (o *Orchestrator) persistAllJobs() error {
	if o.backend == nil {
		return nil
	}
	jobs, err := o.state.Jobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		data, err := persist.Encode(job)
		if err != nil {
			return err
		}
		if err := o.backend.Put(persist.NamespaceJobs, job.ID, data); err != nil {
			return err
		}
	}
	return nil
}

// restore loads persisted entities into the registry at startup and primes
// the audit sequence so it stays monotonic across restarts.
func (o *Orchestrator) restore() error {
	tenantIDs, err := o.backend.List(persist.NamespaceTenants)
	if err != nil {
		return err
	}
	sort.Strings(tenantIDs)
	for _, id := range tenantIDs {
		data, err := o.backend.Get(persist.NamespaceTenants, id)
		if err != nil {
			return err
		}
		var tenant structs.Tenant
		if err := persist.Decode(data, &tenant); err != nil {
			return err
		}
		if err := o.state.UpsertTenant(&tenant); err != nil {
			return err
		}
	}

	nodeIDs, err := o.backend.List(persist.NamespaceNodes)
	if err != nil {
		return err
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		data, err := o.backend.Get(persist.NamespaceNodes, id)
		if err != nil {
			return err
		}
		var node structs.Node
		if err := persist.Decode(data, &node); err != nil {
			return err
		}
		// Whatever was running at crash time is gone; the recovery
		// pipeline will re-place the workloads.
		node.CurrentJobID = ""
		if err := o.state.UpsertNode(&node); err != nil {
			return err
		}
		o.monitor.Watch(node.ID)
	}

	jobIDs, err := o.backend.List(persist.NamespaceJobs)
	if err != nil {
		return err
	}
	sort.Strings(jobIDs)
	for _, id := range jobIDs {
		data, err := o.backend.Get(persist.NamespaceJobs, id)
		if err != nil {
			return err
		}
		var job structs.Job
		if err := persist.Decode(data, &job); err != nil {
			return err
		}
		// In-flight placements did not survive the restart.
		if job.Status == structs.JobStatusRunning {
			job.Status = structs.JobStatusQueued
			job.AssignedNodeID = ""
		}
		if err := o.state.RestoreJob(&job); err != nil {
			return err
		}
	}

	checkpointIDs, err := o.backend.List(persist.NamespaceCheckpoints)
	if err != nil {
		return err
	}
	for _, id := range checkpointIDs {
		data, err := o.backend.Get(persist.NamespaceCheckpoints, id)
		if err != nil {
			return err
		}
		var cp structs.Checkpoint
		if err := persist.Decode(data, &cp); err != nil {
			return err
		}
		if err := o.state.UpsertCheckpoint(&cp); err != nil {
			return err
		}
	}

	auditKeys, err := o.backend.List(persist.NamespaceAudit)
	if err != nil {
		return err
	}
	var maxSeq uint64
	for _, key := range auditKeys {
		if seq, ok := stream.ParseAuditKey(key); ok && seq > maxSeq {
			maxSeq = seq
		}
	}
	o.recorder.SetSeq(maxSeq)

	o.logger.Info("restored persisted state",
		"tenants", len(tenantIDs), "nodes", len(nodeIDs), "jobs", len(jobIDs), "audit_seq", maxSeq)
	return nil
}
