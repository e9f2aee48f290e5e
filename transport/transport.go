// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport delivers sealed envelopes to peer devices and fetches
// theirs. Implementations must be safe for concurrent use.
type Transport interface {
	// Name identifies the transport in logs and SyncState ("cloud",
	// "lan", "archive").
	Name() string

	// Available reports whether the transport is currently usable.
	// The coordinator skips unavailable transports for the cycle
	// instead of failing it.
	Available(ctx context.Context) bool

	// Upload publishes the device's latest envelope.
	Upload(ctx context.Context, envelope []byte) error

	// Download fetches envelopes from peers. An empty result means
	// nothing new — not an error.
	Download(ctx context.Context) ([][]byte, error)

	// LastModified reports when the remote side last changed, if the
	// transport can know that cheaply.
	LastModified(ctx context.Context) (time.Time, bool, error)

	// SupportsRealTimeUpdates reports whether the transport can
	// announce remote changes without polling.
	SupportsRealTimeUpdates() bool
}

// Error wraps a transport failure with enough context for the
// coordinator's retry policy.
type Error struct {
	Transport string
	Op        string
	Err       error

	// Retryable marks failures worth retrying with backoff (network
	// blips, 5xx). Auth failures and malformed requests are not.
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport error worth retrying.
func IsRetryable(err error) bool {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Retryable
	}
	return false
}
