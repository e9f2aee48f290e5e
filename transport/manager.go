// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Manager fans envelope traffic out over every configured transport
// and treats whatever comes back uniformly — the merge layer never
// learns which path an envelope took.
type Manager struct {
	transports []Transport
	logger     *slog.Logger
}

// NewManager builds a manager over the given transports.
func NewManager(logger *slog.Logger, transports ...Transport) (*Manager, error) {
	if len(transports) == 0 {
		return nil, fmt.Errorf("transport: at least one transport is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{transports: transports, logger: logger}, nil
}

// Transports returns the configured transports.
func (m *Manager) Transports() []Transport { return m.transports }

// Available returns the transports currently worth using.
func (m *Manager) Available(ctx context.Context) []Transport {
	var available []Transport
	for _, t := range m.transports {
		if t.Available(ctx) {
			available = append(available, t)
		}
	}
	return available
}

// Upload publishes the envelope on every available transport. It
// succeeds if at least one delivery succeeds; with none, it returns
// the joined per-transport errors (retryable if any of them is).
func (m *Manager) Upload(ctx context.Context, envelope []byte) error {
	available := m.Available(ctx)
	if len(available) == 0 {
		return &Error{
			Transport: "manager",
			Op:        "upload",
			Err:       errors.New("no transport available"),
			Retryable: true,
		}
	}

	var failures []error
	delivered := 0
	for _, t := range available {
		if err := t.Upload(ctx, envelope); err != nil {
			m.logger.Warn("upload failed", "transport", t.Name(), "error", err)
			failures = append(failures, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		retryable := false
		for _, err := range failures {
			if IsRetryable(err) {
				retryable = true
			}
		}
		return &Error{
			Transport: "manager",
			Op:        "upload",
			Err:       errors.Join(failures...),
			Retryable: retryable,
		}
	}
	return nil
}

// Download collects envelopes from every available transport. One
// failing transport does not hide another's results; an error is
// returned only when every transport failed.
func (m *Manager) Download(ctx context.Context) ([][]byte, error) {
	available := m.Available(ctx)
	if len(available) == 0 {
		return nil, nil
	}

	var envelopes [][]byte
	var failures []error
	succeeded := 0
	for _, t := range available {
		batch, err := t.Download(ctx)
		if err != nil {
			m.logger.Warn("download failed", "transport", t.Name(), "error", err)
			failures = append(failures, err)
			continue
		}
		succeeded++
		envelopes = append(envelopes, batch...)
	}
	if succeeded == 0 {
		retryable := false
		for _, err := range failures {
			if IsRetryable(err) {
				retryable = true
			}
		}
		return nil, &Error{
			Transport: "manager",
			Op:        "download",
			Err:       errors.Join(failures...),
			Retryable: retryable,
		}
	}
	return envelopes, nil
}

// LastModified returns the newest modification time any transport
// reports.
func (m *Manager) LastModified(ctx context.Context) (time.Time, bool, error) {
	var newest time.Time
	known := false
	for _, t := range m.Available(ctx) {
		modified, ok, err := t.LastModified(ctx)
		if err != nil || !ok {
			continue
		}
		if modified.After(newest) {
			newest = modified
			known = true
		}
	}
	return newest, known, nil
}
