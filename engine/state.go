// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/driftsync/driftsync/lib/vclock"
)

// Status is the coordinator's position in the sync state machine.
type Status string

const (
	// StatusIdle means no cycle is running and the last one (if any)
	// ended cleanly.
	StatusIdle Status = "idle"

	// StatusSyncing means a cycle is in flight.
	StatusSyncing Status = "syncing"

	// StatusError means the last cycle failed; LastError has details.
	StatusError Status = "error"

	// StatusPaused means triggers are ignored until Resume.
	StatusPaused Status = "paused"
)

// recentDurations caps how many per-cycle durations Stats retains.
const recentDurations = 32

// Stats accumulates sync-cycle bookkeeping for the workspace.
type Stats struct {
	// Total counts every completed cycle, successful or not.
	Total int

	// Success counts cycles that uploaded and applied cleanly.
	Success int

	// Failed counts cycles that ended in error.
	Failed int

	// Retries is the number of failed transport attempts during the
	// most recent cycle.
	Retries int

	// Durations holds the most recent cycle durations, newest last.
	Durations []time.Duration
}

// SyncState is the externally visible snapshot of the engine. A single
// instance exists per workspace and only the coordinator mutates it;
// State() returns independent copies.
type SyncState struct {
	Status         Status
	LastSync       time.Time
	LastError      string
	Stats          Stats
	PendingChanges bool
	Conflicts      int
	Clock          vclock.Clock
	Epoch          uint64
	NeedsRePairing bool
}

// clone returns an independent copy safe to hand outside the lock.
func (s SyncState) clone() SyncState {
	out := s
	out.Clock = s.Clock.Copy()
	out.Stats.Durations = append([]time.Duration(nil), s.Stats.Durations...)
	return out
}
