// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the driftsync
// binary. A [Command] carries its own flags, help text, and either a
// Run function or nested subcommands. Commands are assembled into a
// tree in cmd/driftsync/commands and dispatched by [Command.Execute].
//
// Unknown commands and flags get "did you mean" suggestions based on
// edit distance. Help output is synthesized from the tree, so leaf
// commands only declare their summary, description, and examples.
package cli
