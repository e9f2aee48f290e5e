// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package vclock implements the per-device vector clocks that order
// workspace configuration versions across a user's device set.
//
// A Clock maps device IDs to monotonic counters. A device increments
// only its own entry; entries for other devices change only through
// Merge when a remote version is applied. Comparison of two clocks
// yields one of four orderings: Equal, Dominates, Dominated, or
// Concurrent. Concurrent clocks indicate unordered edits and are the
// trigger for conflict handling.
//
// Merge is the join of the clock semilattice (elementwise max). It is
// commutative, associative, and idempotent, so repeated merges over
// any delivery order converge to the same clock.
package vclock
