// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/steward/steward/structs"
)

const (
	TableIndex       = "index"
	TableTenants     = "tenants"
	TableNodes       = "nodes"
	TableJobs        = "jobs"
	TableCheckpoints = "checkpoints"
	TableFailures    = "failures"
	TablePlans       = "plans"
)

const (
	indexID         = "id"
	indexTenant     = "tenant"
	indexStatus     = "status"
	indexNode       = "node"
	indexJob        = "job"
	indexDependency = "dependency"
	indexResolved   = "resolved"
	indexFailure    = "failure"
)

// stateStoreSchema returns the full memdb schema for the registry.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	schemas := []func() *memdb.TableSchema{
		indexTableSchema,
		tenantTableSchema,
		nodeTableSchema,
		jobTableSchema,
		checkpointTableSchema,
		failureTableSchema,
		planTableSchema,
	}
	for _, fn := range schemas {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic("duplicate table name: " + schema.Name)
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index per table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func tenantTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableTenants,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
		},
	}
}

func nodeTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableNodes,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
		},
	}
}

func jobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexTenant: {
				Name:         indexTenant,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "TenantID",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
			// node is the reverse index from a node to the job assigned to
			// it.
			indexNode: {
				Name:         indexNode,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "AssignedNodeID",
				},
			},
			// dependency is the reverse index from a job to its dependents.
			indexDependency: {
				Name:         indexDependency,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringSliceFieldIndex{
					Field: "Dependencies",
				},
			},
		},
	}
}

func checkpointTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableCheckpoints,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexJob: {
				Name:         indexJob,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "JobID",
				},
			},
		},
	}
}

func failureTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableFailures,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexResolved: {
				Name:         indexResolved,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.ConditionalIndex{
					Conditional: failureIsResolved,
				},
			},
		},
	}
}

func failureIsResolved(obj any) (bool, error) {
	f, ok := obj.(*structs.FailureEvent)
	if !ok {
		return false, fmt.Errorf("object is not a failure event")
	}
	return f.Resolved, nil
}

func planTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TablePlans,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexFailure: {
				Name:         indexFailure,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "FailureID",
				},
			},
		},
	}
}
