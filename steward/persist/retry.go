// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package persist

import (
	"errors"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/steward/steward/structs"
)

const (
	// retryAttempts bounds how many times a transient backend error is
	// retried before it is surfaced.
	retryAttempts = 3

	// retryBaseWait is the first backoff interval; it doubles per attempt.
	retryBaseWait = 50 * time.Millisecond
)

// RetryingBackend wraps a Backend with bounded exponential backoff for
// transient errors. Missing keys are never retried.
type RetryingBackend struct {
	logger hclog.Logger
	inner  Backend

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

func NewRetryingBackend(logger hclog.Logger, inner Backend) *RetryingBackend {
	return &RetryingBackend{
		logger: logger.Named("persist_retry"),
		inner:  inner,
		sleep:  time.Sleep,
	}
}

func (r *RetryingBackend) retry(op string, fn func() error) error {
	wait := retryBaseWait
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrKeyNotFound) {
			return err
		}
		if attempt < retryAttempts {
			r.logger.Warn("backend operation failed, retrying",
				"op", op, "attempt", attempt, "wait", wait, "error", err)
			r.sleep(wait)
			wait *= 2
		}
	}
	return structs.NewBackendError(err, false)
}

func (r *RetryingBackend) Put(namespace, id string, data []byte) error {
	return r.retry("put", func() error { return r.inner.Put(namespace, id, data) })
}

func (r *RetryingBackend) Get(namespace, id string) ([]byte, error) {
	var out []byte
	err := r.retry("get", func() error {
		var err error
		out, err = r.inner.Get(namespace, id)
		return err
	})
	return out, err
}

func (r *RetryingBackend) List(namespace string) ([]string, error) {
	var out []string
	err := r.retry("list", func() error {
		var err error
		out, err = r.inner.List(namespace)
		return err
	})
	return out, err
}

func (r *RetryingBackend) Delete(namespace, id string) error {
	return r.retry("delete", func() error { return r.inner.Delete(namespace, id) })
}

func (r *RetryingBackend) Close() error {
	return r.inner.Close()
}
