// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"
)

// EventType names the engine occurrences subscribers can react to.
type EventType string

const (
	// EventStateChanged fires on every SyncState transition.
	EventStateChanged EventType = "state_changed"

	// EventConflictDetected fires once per new SyncConflict.
	EventConflictDetected EventType = "conflict_detected"

	// EventConflictResolved fires when a conflict is answered.
	EventConflictResolved EventType = "conflict_resolved"

	// EventDevicePaired fires when a pairing payload is accepted.
	EventDevicePaired EventType = "device_paired"

	// EventDeviceTrusted fires when a paired device is trusted.
	EventDeviceTrusted EventType = "device_trusted"

	// EventDeviceRemoved fires when a device is revoked.
	EventDeviceRemoved EventType = "device_removed"

	// EventKeyRotated fires when the workspace sync key rotates.
	EventKeyRotated EventType = "key_rotated"
)

// Event is one engine occurrence. State is a copy taken at publish
// time; DeviceID and ConflictID are set where they apply.
type Event struct {
	Type       EventType
	Time       time.Time
	DeviceID   string
	ConflictID string
	State      SyncState
}

// defaultEventBuffer is the subscription channel capacity when the
// subscriber does not choose one.
const defaultEventBuffer = 16

// Bus is a typed publish/subscribe channel for engine events. Delivery
// is best-effort: a subscriber that stops draining its channel loses
// events rather than blocking the engine.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]chan Event
	nextID      uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber. A buffer <= 0 selects the
// default capacity. The caller must Close the subscription when done.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	channel := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = channel

	return &Subscription{C: channel, bus: b, id: id}
}

// Publish delivers the event to every subscriber that has room.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, channel := range b.subscribers {
		select {
		case channel <- event:
		default:
			// Subscriber fell behind; drop rather than block.
		}
	}
}

// Subscription is one subscriber's handle. Events arrive on C until
// Close, which also closes C.
type Subscription struct {
	// C delivers events.
	C <-chan Event

	bus  *Bus
	id   uint64
	once sync.Once
}

// Close unsubscribes and closes C. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		channel := s.bus.subscribers[s.id]
		delete(s.bus.subscribers, s.id)
		if channel != nil {
			close(channel)
		}
	})
}
