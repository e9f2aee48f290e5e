// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package configtree

import "fmt"

// ValidationError reports a snapshot that cannot be accepted: a schema
// version this engine does not know, or missing required metadata.
// Validation failures are never retried automatically — they indicate
// a version skew or a corrupted blob that needs user attention.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configtree: invalid snapshot %s: %s", e.Field, e.Reason)
}

// Validate checks the structural invariants of a snapshot.
func (s *Snapshot) Validate() error {
	if s.SchemaVersion <= 0 {
		return &ValidationError{Field: "schema_version", Reason: fmt.Sprintf("must be positive, got %d", s.SchemaVersion)}
	}
	if s.SchemaVersion > CurrentSchemaVersion {
		return &ValidationError{
			Field:  "schema_version",
			Reason: fmt.Sprintf("version %d is newer than this engine's %d; upgrade required", s.SchemaVersion, CurrentSchemaVersion),
		}
	}
	if s.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "empty"}
	}
	if s.Tree == nil {
		return &ValidationError{Field: "tree", Reason: "missing"}
	}
	if s.Meta.DeviceID == "" {
		return &ValidationError{Field: "meta.device_id", Reason: "empty"}
	}
	return nil
}

// Migration transforms a tree from one schema version to the next.
type Migration func(Tree) (Tree, error)

var migrations = make(map[int]Migration)

// RegisterMigration installs the migration from schema version v to
// v+1. Panics on duplicate registration — migrations are wired at
// init time and a duplicate is a programming error.
func RegisterMigration(fromVersion int, migration Migration) {
	if _, exists := migrations[fromVersion]; exists {
		panic(fmt.Sprintf("configtree: duplicate migration from version %d", fromVersion))
	}
	migrations[fromVersion] = migration
}

// migrate upgrades a validated snapshot to CurrentSchemaVersion by
// applying registered migrations in order. A missing step is a
// ValidationError: the blob is older than anything this engine can
// read.
func migrate(s *Snapshot) error {
	for s.SchemaVersion < CurrentSchemaVersion {
		migration, ok := migrations[s.SchemaVersion]
		if !ok {
			return &ValidationError{
				Field:  "schema_version",
				Reason: fmt.Sprintf("no migration path from version %d", s.SchemaVersion),
			}
		}
		migrated, err := migration(s.Tree)
		if err != nil {
			return &ValidationError{
				Field:  "schema_version",
				Reason: fmt.Sprintf("migration from version %d failed: %v", s.SchemaVersion, err),
			}
		}
		s.Tree = migrated
		s.SchemaVersion++
	}
	return nil
}
