// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package configtree models the workspace configuration document that
// the sync engine moves between devices: a tree of top-level sections
// (preferences, apps, plugins, keybindings, ui, notifications, sync)
// with nested string-keyed values.
//
// The engine itself never interprets section contents. What it needs
// from this package is structural: deep copies for pre-cycle
// snapshots, canonical equality for change detection, section-level
// diffs for conflict records, deep merges for the merge policy, and a
// schema version gate with a migration hook for blobs written by older
// engine versions.
//
// A Snapshot couples the tree with its causality metadata (vector
// clock plus lastModified provenance); snapshots are what get sealed
// into sync envelopes.
package configtree
