// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package persist defines the pluggable persistence boundary. Backends must
// be crash-safe and linearizable per key; the orchestrator writes through
// after every registry mutation and restores at startup.
package persist

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Namespaces used by the core. Audit keys are append-only and
// lexicographically ordered by zero-padded sequence number.
const (
	NamespaceTenants     = "tenants"
	NamespaceNodes       = "nodes"
	NamespaceJobs        = "jobs"
	NamespaceCheckpoints = "checkpoints"
	NamespaceAudit       = "audit"
)

// Namespaces lists every namespace a backend must serve.
func Namespaces() []string {
	return []string{
		NamespaceTenants,
		NamespaceNodes,
		NamespaceJobs,
		NamespaceCheckpoints,
		NamespaceAudit,
	}
}

// Backend is the storage contract. Implementations must make Put durable
// before returning and must serve Get/List reads that reflect every
// completed Put.
type Backend interface {
	Put(namespace, id string, data []byte) error
	Get(namespace, id string) ([]byte, error)
	List(namespace string) ([]string, error)
	Delete(namespace, id string) error
	Close() error
}

// ErrKeyNotFound is returned by Get for missing keys.
var ErrKeyNotFound = fmt.Errorf("key not found")

// msgpackHandle is a shared handle for encoding and decoding of persisted
// records.
var msgpackHandle = &codec.MsgpackHandle{}

// Encode serializes an object with the shared msgpack handle.
func Encode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	err := codec.NewEncoder(&buf, msgpackHandle).Encode(msg)
	return buf.Bytes(), err
}

// Decode deserializes a msgpack-encoded object.
func Decode(buf []byte, out any) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}
