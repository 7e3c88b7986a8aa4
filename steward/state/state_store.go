// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/steward/steward/structs"
)

// IndexEntry tracks the latest mutation index per table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateStore is the authoritative registry for tenants, nodes, jobs,
// checkpoints, failure events and recovery plans. All writes go through
// memdb write transactions, which are serialized; reads operate on
// immutable snapshots and never block writers.
//
// The store returns copies on reads. Objects handed out must never be
// mutated in place; mutations go through the Upsert/ApplyTransition API so
// invariants hold and indexes stay consistent.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB
}

// NewStateStore constructs a registry with an empty schema-initialized
// database.
func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}
	return &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
	}, nil
}

// Snapshot returns a point-in-time read-only view of the registry. The
// snapshot is cheap (copy-on-write radix trees) and is never invalidated
// by later writes.
func (s *StateStore) Snapshot() *StateSnapshot {
	return &StateSnapshot{
		StateStore: StateStore{
			logger: s.logger,
			db:     s.db.Snapshot(),
		},
	}
}

// StateSnapshot is an immutable view over the state store. Mutating calls
// against a snapshot affect only the snapshot and must not be used for
// authoritative writes.
type StateSnapshot struct {
	StateStore
}

// LatestIndex returns the highest mutation index across all tables.
func (s *StateStore) LatestIndex() (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableIndex, indexID)
	if err != nil {
		return 0, err
	}

	var max uint64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if entry := raw.(*IndexEntry); entry.Value > max {
			max = entry.Value
		}
	}
	return max, nil
}

// nextIndex computes the mutation index for a write txn.
func (s *StateStore) nextIndex() uint64 {
	idx, err := s.LatestIndex()
	if err != nil {
		return 1
	}
	return idx + 1
}

func bumpIndex(txn *memdb.Txn, table string, index uint64) error {
	if err := txn.Insert(TableIndex, &IndexEntry{Key: table, Value: index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}

// UpsertTenant registers or updates a tenant. Registration enforces the
// fleet-wide invariant that guaranteed shares sum to at most 100.
func (s *StateStore) UpsertTenant(tenant *structs.Tenant) error {
	if err := tenant.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TableTenants, indexID, tenant.ID)
	if err != nil {
		return fmt.Errorf("tenant lookup failed: %v", err)
	}

	// Sum guaranteed shares over all other tenants to verify the
	// registration leaves headroom.
	iter, err := txn.Get(TableTenants, indexID)
	if err != nil {
		return fmt.Errorf("tenant scan failed: %v", err)
	}
	total := tenant.GuaranteedShare
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		other := raw.(*structs.Tenant)
		if other.ID != tenant.ID {
			total += other.GuaranteedShare
		}
	}
	if total > 100 {
		return structs.NewInvariantError(
			"guaranteed shares would sum to %.1f, exceeding 100", total)
	}

	index := s.nextIndex()
	tenant = tenant.Copy()
	if existingRaw != nil {
		tenant.CreateIndex = existingRaw.(*structs.Tenant).CreateIndex
	} else {
		tenant.CreateIndex = index
	}
	tenant.ModifyIndex = index

	if err := txn.Insert(TableTenants, tenant); err != nil {
		return fmt.Errorf("tenant insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableTenants, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// AddTenant registers a new tenant, failing on a duplicate ID.
func (s *StateStore) AddTenant(tenant *structs.Tenant) error {
	if existing, err := s.TenantByID(tenant.ID); err == nil && existing != nil {
		return structs.NewDuplicateIDError("tenant", tenant.ID)
	}
	return s.UpsertTenant(tenant)
}

// TenantByID returns a copy of the tenant or nil if absent.
func (s *StateStore) TenantByID(id string) (*structs.Tenant, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableTenants, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("tenant lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Tenant).Copy(), nil
}

// Tenants returns all tenants sorted by ID.
func (s *StateStore) Tenants() ([]*structs.Tenant, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableTenants, indexID)
	if err != nil {
		return nil, fmt.Errorf("tenant scan failed: %v", err)
	}
	var out []*structs.Tenant
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Tenant).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertNode registers or updates a node, refreshing the capability hash.
func (s *StateStore) UpsertNode(node *structs.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	node = node.Copy()
	if err := node.ComputeCapabilityHash(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TableNodes, indexID, node.ID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}

	index := s.nextIndex()
	if existingRaw != nil {
		existing := existingRaw.(*structs.Node)
		node.CreateIndex = existing.CreateIndex
		// The placement link is owned by ApplyTransition; carry it across
		// plain node updates.
		if node.CurrentJobID == "" {
			node.CurrentJobID = existing.CurrentJobID
		}
	} else {
		node.CreateIndex = index
	}
	node.ModifyIndex = index

	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableNodes, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// AddNode registers a new node, failing on a duplicate ID.
func (s *StateStore) AddNode(node *structs.Node) error {
	if existing, err := s.NodeByID(node.ID); err == nil && existing != nil {
		return structs.NewDuplicateIDError("node", node.ID)
	}
	return s.UpsertNode(node)
}

// UpdateNodeStatus moves a node between lifecycle statuses. Taking a node
// out of online while it runs a job does not touch the job; the failure
// detector owns that requeue.
func (s *StateStore) UpdateNodeStatus(nodeID, status, reason string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableNodes, indexID, nodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("node", nodeID)
	}

	node := raw.(*structs.Node).Copy()
	node.Status = status
	if reason != "" {
		node.LastError = reason
	}
	if err := node.Validate(); err != nil {
		return err
	}

	index := s.nextIndex()
	node.ModifyIndex = index
	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableNodes, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// TouchNodeHeartbeat records a heartbeat time for the node and flips an
// offline node back online.
func (s *StateStore) TouchNodeHeartbeat(nodeID string, at time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableNodes, indexID, nodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("node", nodeID)
	}

	node := raw.(*structs.Node).Copy()
	node.LastHeartbeatAt = at
	if node.Status == structs.NodeStatusOffline {
		node.Status = structs.NodeStatusOnline
		node.StatusUpdatedAt = at
	}

	index := s.nextIndex()
	node.ModifyIndex = index
	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableNodes, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// UpdateNodePerfHistory folds agent-reported run metrics into the node's
// per-kind exponential moving averages.
func (s *StateStore) UpdateNodePerfHistory(nodeID, jobKind string, runtimeSeconds, fitScore float64, success bool) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableNodes, indexID, nodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("node", nodeID)
	}

	const alpha = 0.3

	node := raw.(*structs.Node).Copy()
	if node.PerfHistory == nil {
		node.PerfHistory = make(map[string]*structs.PerfStats)
	}
	stats := node.PerfHistory[jobKind]
	if stats == nil {
		stats = &structs.PerfStats{}
		node.PerfHistory[jobKind] = stats
	}

	succ := 0.0
	if success {
		succ = 1.0
	}
	if stats.Samples == 0 {
		stats.AvgRuntimeSeconds = runtimeSeconds
		stats.SuccessRate = succ
		stats.FitScore = fitScore
	} else {
		stats.AvgRuntimeSeconds = alpha*runtimeSeconds + (1-alpha)*stats.AvgRuntimeSeconds
		stats.SuccessRate = alpha*succ + (1-alpha)*stats.SuccessRate
		stats.FitScore = alpha*fitScore + (1-alpha)*stats.FitScore
	}
	stats.Samples++

	index := s.nextIndex()
	node.ModifyIndex = index
	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableNodes, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// NodeByID returns a copy of the node or nil if absent.
func (s *StateStore) NodeByID(id string) (*structs.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableNodes, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Node).Copy(), nil
}

// Nodes returns all nodes sorted by ID.
func (s *StateStore) Nodes() ([]*structs.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableNodes, indexID)
	if err != nil {
		return nil, fmt.Errorf("node scan failed: %v", err)
	}
	var out []*structs.Node
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Node).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NodesByStatus returns all nodes with the given status, sorted by ID.
func (s *StateStore) NodesByStatus(status string) ([]*structs.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableNodes, indexStatus, status)
	if err != nil {
		return nil, fmt.Errorf("node scan failed: %v", err)
	}
	var out []*structs.Node
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Node).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
