// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"

	"github.com/hashicorp/steward/helper/uuid"
	"github.com/hashicorp/steward/steward/structs"
)

// NoopAgent acknowledges every command without running anything. Used by
// the CLI when no real execution agent is wired; workload lifecycle is then
// driven entirely through the ingest operations.
type NoopAgent struct{}

func (NoopAgent) Start(context.Context, *structs.Job, *structs.Node, string) error { return nil }

func (NoopAgent) Stop(context.Context, string, string) error { return nil }

func (NoopAgent) Checkpoint(context.Context, string, string) (*CheckpointResult, error) {
	return &CheckpointResult{
		StorageHandle: "noop://" + uuid.Short(),
		Durable:       true,
	}, nil
}

func (NoopAgent) Ping(context.Context, string) error { return nil }
