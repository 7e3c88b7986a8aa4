// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package persist

import (
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
	"github.com/hashicorp/steward/helper/testlog"
	"github.com/hashicorp/steward/steward/mock"
	"github.com/hashicorp/steward/steward/structs"
)

func TestEncodeDecode(t *testing.T) {
	ci.Parallel(t)

	job := mock.Job()
	job.Dependencies = []string{"job-0"}

	buf, err := Encode(job)
	must.NoError(t, err)

	var out structs.Job
	must.NoError(t, Decode(buf, &out))
	must.Eq(t, job.ID, out.ID)
	must.Eq(t, job.Requirements.CPUCores, out.Requirements.CPUCores)
	must.Eq(t, job.Dependencies, out.Dependencies)
}

func TestMemBackend(t *testing.T) {
	ci.Parallel(t)

	m := NewMemBackend()

	must.NoError(t, m.Put(NamespaceJobs, "job-1", []byte("a")))
	must.NoError(t, m.Put(NamespaceJobs, "job-2", []byte("b")))

	val, err := m.Get(NamespaceJobs, "job-1")
	must.NoError(t, err)
	must.Eq(t, []byte("a"), val)

	_, err = m.Get(NamespaceJobs, "missing")
	must.ErrorIs(t, err, ErrKeyNotFound)

	keys, err := m.List(NamespaceJobs)
	must.NoError(t, err)
	must.Eq(t, []string{"job-1", "job-2"}, keys)

	must.NoError(t, m.Delete(NamespaceJobs, "job-1"))
	_, err = m.Get(NamespaceJobs, "job-1")
	must.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBoltBackend(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	b, err := NewBoltBackend(testlog.HCLogger(t), dir)
	must.NoError(t, err)

	must.NoError(t, b.Put(NamespaceTenants, "tenant-1", []byte("x")))
	must.NoError(t, b.Put(NamespaceTenants, "tenant-2", []byte("y")))

	val, err := b.Get(NamespaceTenants, "tenant-1")
	must.NoError(t, err)
	must.Eq(t, []byte("x"), val)

	_, err = b.Get(NamespaceTenants, "missing")
	must.ErrorIs(t, err, ErrKeyNotFound)

	keys, err := b.List(NamespaceTenants)
	must.NoError(t, err)
	must.Eq(t, []string{"tenant-1", "tenant-2"}, keys)

	must.NoError(t, b.Delete(NamespaceTenants, "tenant-2"))
	must.NoError(t, b.Close())

	// The data survives a reopen.
	b, err = NewBoltBackend(testlog.HCLogger(t), dir)
	must.NoError(t, err)
	defer b.Close()

	val, err = b.Get(NamespaceTenants, "tenant-1")
	must.NoError(t, err)
	must.Eq(t, []byte("x"), val)

	keys, err = b.List(NamespaceTenants)
	must.NoError(t, err)
	must.Eq(t, []string{"tenant-1"}, keys)
}

func testRetrying(t *testing.T, inner Backend) *RetryingBackend {
	r := NewRetryingBackend(testlog.HCLogger(t), inner)
	r.sleep = func(time.Duration) {}
	return r
}

func TestRetryingBackend_Transient(t *testing.T) {
	ci.Parallel(t)

	m := NewMemBackend()
	r := testRetrying(t, m)

	// Two transient failures are absorbed by the three attempts.
	m.FailNextWith(2, errors.New("disk full"))
	must.NoError(t, r.Put(NamespaceJobs, "job-1", []byte("a")))

	val, err := r.Get(NamespaceJobs, "job-1")
	must.NoError(t, err)
	must.Eq(t, []byte("a"), val)
}

func TestRetryingBackend_Exhausted(t *testing.T) {
	ci.Parallel(t)

	m := NewMemBackend()
	r := testRetrying(t, m)

	m.FailNextWith(3, errors.New("disk full"))
	err := r.Put(NamespaceJobs, "job-1", []byte("a"))
	must.Error(t, err)
	must.True(t, structs.IsErrKind(err, structs.ErrKindBackend))
	must.Zero(t, m.FailNext)
}

func TestRetryingBackend_NotFoundNotRetried(t *testing.T) {
	ci.Parallel(t)

	m := NewMemBackend()
	r := testRetrying(t, m)

	// A missing key surfaces immediately, unwrapped.
	_, err := r.Get(NamespaceJobs, "missing")
	must.ErrorIs(t, err, ErrKeyNotFound)

	// After a transient failure the retry hits the miss and stops; the
	// not-found is not converted into a backend error.
	m.FailNextWith(1, errors.New("transient"))
	_, err = r.Get(NamespaceJobs, "missing")
	must.ErrorIs(t, err, ErrKeyNotFound)
	must.Zero(t, m.FailNext)
}
