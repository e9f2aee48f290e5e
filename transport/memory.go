// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Hub is an in-memory blob store shared by several Memory transports.
// It mimics the cloud transport's semantics — the latest envelope from
// each device, visible to every device — without any network, for
// engine tests.
type Hub struct {
	mu        sync.Mutex
	envelopes map[string][]byte
	modified  time.Time
	uploads   int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{envelopes: make(map[string][]byte)}
}

// Uploads returns the number of uploads the hub has seen.
func (h *Hub) Uploads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uploads
}

// Transport returns a device's view of the hub.
func (h *Hub) Transport(deviceID string) *Memory {
	return &Memory{hub: h, deviceID: deviceID}
}

// Memory is one device's connection to a Hub. It implements Transport.
type Memory struct {
	hub      *Hub
	deviceID string

	mu   sync.Mutex
	fail error // next operations return this error when set
}

// Name implements Transport.
func (m *Memory) Name() string { return "memory" }

// SupportsRealTimeUpdates implements Transport.
func (m *Memory) SupportsRealTimeUpdates() bool { return false }

// Fail makes subsequent Upload/Download calls return err until called
// again with nil. Used to test retry behavior.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Memory) failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail
}

// Available implements Transport. A failing Memory transport stays
// available so retry paths are exercised rather than skipped.
func (m *Memory) Available(ctx context.Context) bool { return true }

// Upload implements Transport.
func (m *Memory) Upload(ctx context.Context, envelope []byte) error {
	if err := m.failure(); err != nil {
		return &Error{Transport: m.Name(), Op: "upload", Err: err, Retryable: true}
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.hub.envelopes[m.deviceID] = append([]byte(nil), envelope...)
	m.hub.modified = time.Now()
	m.hub.uploads++
	return nil
}

// Download implements Transport. Returns every device's latest
// envelope, including this device's own upload — the engine is
// expected to skip envelopes it sent. Order is deterministic.
func (m *Memory) Download(ctx context.Context) ([][]byte, error) {
	if err := m.failure(); err != nil {
		return nil, &Error{Transport: m.Name(), Op: "download", Err: err, Retryable: true}
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	deviceIDs := make([]string, 0, len(m.hub.envelopes))
	for deviceID := range m.hub.envelopes {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Strings(deviceIDs)

	var envelopes [][]byte
	for _, deviceID := range deviceIDs {
		envelopes = append(envelopes, append([]byte(nil), m.hub.envelopes[deviceID]...))
	}
	return envelopes, nil
}

// LastModified implements Transport.
func (m *Memory) LastModified(ctx context.Context) (time.Time, bool, error) {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if len(m.hub.envelopes) == 0 {
		return time.Time{}, false, nil
	}
	return m.hub.modified, true, nil
}
