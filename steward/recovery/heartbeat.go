// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package recovery

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/steward/steward/state"
	"github.com/hashicorp/steward/steward/structs"
)

// DefaultHeartbeatTimeout is the TTL a node heartbeat arms.
const DefaultHeartbeatTimeout = 30 * time.Second

// HeartbeatMonitor watches node liveness through TTL timers. Each heartbeat
// re-arms the node's timer; expiry marks the node offline and feeds a
// node_offline failure into the recovery engine.
type HeartbeatMonitor struct {
	logger  hclog.Logger
	state   *state.StateStore
	engine  *Engine
	timeout time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewHeartbeatMonitor(logger hclog.Logger, store *state.StateStore, engine *Engine, timeout time.Duration) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HeartbeatMonitor{
		logger:  logger.Named("heartbeat"),
		state:   store,
		engine:  engine,
		timeout: timeout,
		timers:  make(map[string]*time.Timer),
	}
}

// Beat processes one heartbeat: the registry timestamp is touched, an
// offline node flips back to online, and the TTL timer re-arms.
func (h *HeartbeatMonitor) Beat(nodeID string, at time.Time) error {
	if err := h.state.TouchNodeHeartbeat(nodeID, at); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	if timer, ok := h.timers[nodeID]; ok {
		timer.Reset(h.timeout)
		return nil
	}
	h.timers[nodeID] = time.AfterFunc(h.timeout, func() {
		h.expire(nodeID)
	})
	return nil
}

// Watch arms the TTL for a node without registering a heartbeat, used when
// a node is first added.
func (h *HeartbeatMonitor) Watch(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if _, ok := h.timers[nodeID]; ok {
		return
	}
	h.timers[nodeID] = time.AfterFunc(h.timeout, func() {
		h.expire(nodeID)
	})
}

// Forget drops the TTL for a removed or maintenance node.
func (h *HeartbeatMonitor) Forget(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if timer, ok := h.timers[nodeID]; ok {
		timer.Stop()
		delete(h.timers, nodeID)
	}
}

// Stop disarms every timer. No expirations fire after Stop returns.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for id, timer := range h.timers {
		timer.Stop()
		delete(h.timers, id)
	}
}

// expire fires when a node misses its TTL.
func (h *HeartbeatMonitor) expire(nodeID string) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	delete(h.timers, nodeID)
	h.mu.Unlock()

	node, err := h.state.NodeByID(nodeID)
	if err != nil || node == nil {
		return
	}
	if node.Status != structs.NodeStatusOnline {
		return
	}

	h.logger.Warn("node missed heartbeat TTL", "node_id", nodeID, "timeout", h.timeout)
	if err := h.state.UpdateNodeStatus(nodeID, structs.NodeStatusOffline, "heartbeat timeout"); err != nil {
		h.logger.Error("failed to mark node offline", "node_id", nodeID, "error", err)
		return
	}

	f := &structs.FailureEvent{
		Kind:   structs.FailureNodeOffline,
		NodeID: nodeID,
		JobID:  node.CurrentJobID,
	}
	if _, err := h.engine.HandleFailure(context.Background(), f); err != nil {
		h.logger.Error("failed to handle node offline failure", "node_id", nodeID, "error", err)
	}
}
