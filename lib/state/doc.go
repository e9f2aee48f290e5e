// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package state persists the engine's local state in SQLite: the
// last-known-good config snapshot with its vector clock, the device
// registry with trust status, unresolved conflicts, the keyring
// material, transport credentials, and the pairing-token replay cache.
//
// All of a sync cycle's mutations commit in a single IMMEDIATE
// transaction, so a crash mid-cycle leaves the previous snapshot
// intact rather than a half-merged one.
//
// The database file stands in for platform secure storage: it holds
// live key material and must be created with owner-only permissions.
package state
