// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/steward/steward/structs"
)

// NDJSONSink appends events to a file as newline-delimited JSON, one event
// per line.
type NDJSONSink struct {
	mu sync.Mutex
	f  *os.File
}

func NewNDJSONSink(path string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %q: %v", path, err)
	}
	return &NDJSONSink{f: f}, nil
}

func (n *NDJSONSink) Send(_ context.Context, events []*structs.AuditEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, event := range events {
		buf, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event %d: %v", event.Seq, err)
		}
		buf = append(buf, '\n')
		if _, err := n.f.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func (n *NDJSONSink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.f.Close()
}
