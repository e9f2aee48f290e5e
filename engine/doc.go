// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine orchestrates workspace synchronization end to end:
// it snapshots the local config tree, exchanges sealed envelopes over
// the configured transports, merges remote state through the conflict
// detector, and applies the result atomically.
//
// One Engine exists per workspace. All mutation — sync cycles, local
// change notes, conflict resolution, pairing and trust changes — is
// serialized through a single lock, so vector-clock bookkeeping never
// interleaves. Sync cycles are additionally coalesced: a trigger that
// arrives while a cycle is in flight is a no-op, never queued.
//
// Consumers (a CLI, a settings UI) observe the engine through the
// SyncState snapshot and the typed event bus, and drive it through
// SyncNow, ResolveConflict, the pairing operations, and Run for the
// background scheduler.
package engine
