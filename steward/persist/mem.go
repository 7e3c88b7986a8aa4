// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package persist

import (
	"sort"
	"sync"
)

// MemBackend is an in-memory Backend used by tests and by deployments that
// opt out of durability.
type MemBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte

	// FailNext forces the next n operations to fail, for retry tests.
	FailNext int
	failErr  error
}

func NewMemBackend() *MemBackend {
	data := make(map[string]map[string][]byte)
	for _, ns := range Namespaces() {
		data[ns] = make(map[string][]byte)
	}
	return &MemBackend{data: data}
}

// FailNextWith arms the backend to fail the next n operations with err.
func (m *MemBackend) FailNextWith(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailNext = n
	m.failErr = err
}

func (m *MemBackend) checkFail() error {
	if m.FailNext > 0 {
		m.FailNext--
		return m.failErr
	}
	return nil
}

func (m *MemBackend) ns(namespace string) map[string][]byte {
	bkt, ok := m.data[namespace]
	if !ok {
		bkt = make(map[string][]byte)
		m.data[namespace] = bkt
	}
	return bkt
}

func (m *MemBackend) Put(namespace, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFail(); err != nil {
		return err
	}
	m.ns(namespace)[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemBackend) Get(namespace, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFail(); err != nil {
		return nil, err
	}
	val, ok := m.ns(namespace)[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), val...), nil
}

func (m *MemBackend) List(namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFail(); err != nil {
		return nil, err
	}
	bkt := m.ns(namespace)
	keys := make([]string, 0, len(bkt))
	for k := range bkt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemBackend) Delete(namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFail(); err != nil {
		return err
	}
	delete(m.ns(namespace), id)
	return nil
}

func (m *MemBackend) Close() error {
	return nil
}
