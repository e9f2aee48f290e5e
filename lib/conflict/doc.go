// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package conflict decides what happens when two config snapshots
// meet. Vector-clock comparison does the heavy lifting: an ordered
// pair is never a conflict, only genuinely concurrent edits are. For
// those, the workspace policy picks the outcome — last-writer-wins,
// field-level merge, or a recorded SyncConflict awaiting the user.
//
// Every decision is deterministic: given the same two snapshots, every
// device computes the same merged tree and the same conflicts, with no
// dependence on arrival order.
package conflict
