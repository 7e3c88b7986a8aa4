// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream implements the append-only audit event recorder. Sequence
// numbers are assigned under a single lock and are strictly increasing;
// delivery to sinks happens on a fan-out goroutine so emission never blocks
// the scheduler critical path beyond the enqueue cost.
package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/steward/steward/structs"
)

const (
	// eventBuffer is the fan-out channel depth. When the buffer fills the
	// recorder blocks rather than drop events.
	eventBuffer = 4096

	// defaultRetain is how many recent events the recorder keeps in memory
	// for Query.
	defaultRetain = 8192
)

// Recorder assigns sequence numbers and fans events out to sinks.
type Recorder struct {
	logger hclog.Logger

	mu     sync.Mutex
	seq    uint64
	retain []*structs.AuditEvent

	eventCh chan *structs.AuditEvent
	stopCh  chan struct{}
	doneCh  chan struct{}

	sinks []Sink
}

// NewRecorder starts a recorder delivering to the given sinks. With no
// sinks a NoopSink is installed. Callers must Stop the recorder to flush.
func NewRecorder(logger hclog.Logger, sinks ...Sink) *Recorder {
	if len(sinks) == 0 {
		sinks = []Sink{NoopSink{}}
	}
	r := &Recorder{
		logger:  logger.Named("audit"),
		eventCh: make(chan *structs.AuditEvent, eventBuffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		sinks:   sinks,
	}
	go r.run()
	return r
}

// SetSeq primes the next sequence number, used when restoring from a
// persisted audit trail so monotonicity holds across restarts.
func (r *Recorder) SetSeq(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq > r.seq {
		r.seq = seq
	}
}

// Record appends an event and returns its sequence number. SubjectRefs are
// "type:id" pairs; causes reference earlier sequence numbers.
func (r *Recorder) Record(kind, actor string, subjectRefs []string, payload map[string]any, causes ...uint64) uint64 {
	r.mu.Lock()
	r.seq++
	event := &structs.AuditEvent{
		Seq:         r.seq,
		TS:          time.Now().UTC(),
		Kind:        kind,
		Actor:       actor,
		SubjectRefs: slices.Clone(subjectRefs),
		Payload:     payload,
		Causes:      slices.Clone(causes),
	}
	r.retain = append(r.retain, event)
	if len(r.retain) > defaultRetain {
		r.retain = r.retain[len(r.retain)-defaultRetain:]
	}
	r.mu.Unlock()

	select {
	case r.eventCh <- event:
	case <-r.stopCh:
	}
	return event.Seq
}

// run is the fan-out loop. Sink errors are logged, not surfaced; the audit
// trail in memory stays authoritative for Query.
func (r *Recorder) run() {
	defer close(r.doneCh)
	ctx := context.Background()
	for {
		select {
		case event := <-r.eventCh:
			r.deliver(ctx, event)
		case <-r.stopCh:
			// Drain anything already enqueued before exiting.
			for {
				select {
				case event := <-r.eventCh:
					r.deliver(ctx, event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) deliver(ctx context.Context, event *structs.AuditEvent) {
	batch := []*structs.AuditEvent{event}
	for _, sink := range r.sinks {
		if err := sink.Send(ctx, batch); err != nil {
			r.logger.Error("audit sink send failed", "seq", event.Seq, "error", err)
		}
	}
}

// Stop shuts down the fan-out loop after draining buffered events.
func (r *Recorder) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// LastSeq returns the most recently assigned sequence number.
func (r *Recorder) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Filter selects events for Query. Zero values match everything.
type Filter struct {
	Kinds []string

	// Subject matches any event whose SubjectRefs contains the value.
	Subject string

	// SinceSeq restricts to events with Seq strictly greater.
	SinceSeq uint64
}

func (f *Filter) matches(event *structs.AuditEvent) bool {
	if event.Seq <= f.SinceSeq {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	if f.Subject != "" && !slices.Contains(event.SubjectRefs, f.Subject) {
		return false
	}
	return true
}

// Iterator is a forward-only, non-restartable sequence of events.
type Iterator struct {
	events []*structs.AuditEvent
	offset int
}

// Next returns the next event, or nil when exhausted.
func (it *Iterator) Next() *structs.AuditEvent {
	if it.offset >= len(it.events) {
		return nil
	}
	event := it.events[it.offset]
	it.offset++
	return event
}

// Query returns an iterator over the retained window matching the filter.
// Events older than the retained window are only available through the
// persistence backend.
func (r *Recorder) Query(filter *Filter) *Iterator {
	if filter == nil {
		filter = &Filter{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*structs.AuditEvent
	for _, event := range r.retain {
		if filter.matches(event) {
			out = append(out, event)
		}
	}
	return &Iterator{events: out}
}
