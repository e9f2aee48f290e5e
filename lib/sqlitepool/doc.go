// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// engine's local state store.
//
// It wraps zombiezen.com/go/sqlite with the pragmas driftsync runs
// everywhere: WAL journaling so status reads never block a sync cycle
// mid-commit, synchronous=NORMAL (transactions survive a process
// crash; the cloud blob is the recovery source for anything worse),
// and a 5 second busy timeout. Callers [Pool.Take] a connection, do
// their work, and [Pool.Put] it back; connections are not safe for
// concurrent use.
//
// The package is deliberately thin. State code writes SQL directly,
// uses sqlitex.Execute for cached statements, and scopes each sync
// cycle's mutations in one sqlitex.ImmediateTransaction. There is no
// query builder and no ORM layer.
package sqlitepool
