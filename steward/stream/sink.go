// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/steward/steward/persist"
	"github.com/hashicorp/steward/steward/structs"
)

// Sink receives audit events from the recorder's fan-out goroutine. Send is
// called off the scheduler critical path; a slow sink delays other sinks
// but never scheduling decisions.
type Sink interface {
	Send(ctx context.Context, events []*structs.AuditEvent) error
}

// NoopSink discards events. It is the default when no sink is configured.
type NoopSink struct{}

func (NoopSink) Send(context.Context, []*structs.AuditEvent) error { return nil }

// MemorySink retains events in memory, primarily for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []*structs.AuditEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Send(_ context.Context, events []*structs.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns a copy of everything received so far.
func (m *MemorySink) Events() []*structs.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*structs.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// PersistSink writes events into the backend's audit namespace using
// zero-padded sequence keys so List returns them in order.
type PersistSink struct {
	backend persist.Backend
}

func NewPersistSink(backend persist.Backend) *PersistSink {
	return &PersistSink{backend: backend}
}

// AuditKey formats a sequence number as a fixed-width key.
func AuditKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// ParseAuditKey recovers the sequence number from a persisted key.
func ParseAuditKey(key string) (uint64, bool) {
	var seq uint64
	if _, err := fmt.Sscanf(key, "%020d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

func (p *PersistSink) Send(_ context.Context, events []*structs.AuditEvent) error {
	for _, event := range events {
		buf, err := persist.Encode(event)
		if err != nil {
			return fmt.Errorf("failed to encode audit event %d: %v", event.Seq, err)
		}
		if err := p.backend.Put(persist.NamespaceAudit, AuditKey(event.Seq), buf); err != nil {
			return err
		}
	}
	return nil
}
