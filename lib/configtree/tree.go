// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package configtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/driftsync/driftsync/lib/codec"
	"github.com/driftsync/driftsync/lib/vclock"
)

// CurrentSchemaVersion is the config document schema produced by this
// engine version. Inbound snapshots with a higher version are rejected
// with a ValidationError; lower versions go through the registered
// migrations.
const CurrentSchemaVersion = 1

// Tree is a workspace configuration document: top-level sections
// mapping to arbitrary string-keyed nested values.
type Tree map[string]any

// Meta records the provenance of a tree version.
type Meta struct {
	// Timestamp is the wall-clock time of the last local mutation.
	// Used only as a best-effort tie-break by the latest/merge
	// conflict policies — causality comes from the vector clock.
	Timestamp time.Time `cbor:"timestamp" json:"timestamp"`

	// DeviceID identifies the device that produced this version.
	DeviceID string `cbor:"device_id" json:"deviceId"`

	// UserID identifies the workspace owner.
	UserID string `cbor:"user_id" json:"userId"`
}

// Snapshot is the unit the engine seals into a sync envelope: the
// config tree together with its causality metadata.
type Snapshot struct {
	SchemaVersion int          `cbor:"schema_version"`
	WorkspaceID   string       `cbor:"workspace_id"`
	Tree          Tree         `cbor:"tree"`
	Meta          Meta         `cbor:"meta"`
	Clock         vclock.Clock `cbor:"clock"`
}

// Conflict type names per top-level section. Sections not listed here
// fall back to "settings".
var sectionConflictTypes = map[string]string{
	"preferences":   "settings",
	"apps":          "workspace_apps",
	"plugins":       "plugin_settings",
	"keybindings":   "keybindings",
	"ui":            "ui",
	"notifications": "notification_rules",
	"sync":          "sync_settings",
}

// SectionConflictType returns the conflict type name for a top-level
// section path.
func SectionConflictType(section string) string {
	if conflictType, ok := sectionConflictTypes[section]; ok {
		return conflictType
	}
	return "settings"
}

// Copy returns a deep copy of the tree. Nested maps and slices are
// copied; scalar leaves are shared (they are immutable values).
func (t Tree) Copy() Tree {
	if t == nil {
		return nil
	}
	return copyValue(t).(Tree)
}

func copyValue(value any) any {
	switch typed := value.(type) {
	case Tree:
		out := make(Tree, len(typed))
		for key, child := range typed {
			out[key] = copyValue(child)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			out[key] = copyValue(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for index, child := range typed {
			out[index] = copyValue(child)
		}
		return out
	default:
		return value
	}
}

// Equal reports whether two values are the same configuration value.
// Values are compared by canonical JSON encoding, which erases the
// representation differences introduced by the CBOR and JSON codecs
// (int vs uint64 vs float64, Tree vs map[string]any) — encoding/json
// sorts map keys, so the encoding is canonical.
func Equal(a, b any) bool {
	encodedA, errA := json.Marshal(a)
	encodedB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(encodedA, encodedB)
}

// DiffSections returns the sorted names of top-level sections whose
// values differ between a and b, including sections present in only
// one of the trees.
func DiffSections(a, b Tree) []string {
	seen := make(map[string]bool)
	var sections []string

	check := func(section string) {
		if seen[section] {
			return
		}
		seen[section] = true
		valueA, okA := a[section]
		valueB, okB := b[section]
		if okA != okB || !Equal(valueA, valueB) {
			sections = append(sections, section)
		}
	}

	for section := range a {
		check(section)
	}
	for section := range b {
		check(section)
	}

	sort.Strings(sections)
	return sections
}

// Merge deep-merges remote into local and returns a new tree. Keys
// present in only one tree survive. Where both trees hold a map, the
// maps merge recursively. Where both hold a differing leaf, the remote
// value wins unless preferLocal is true. Neither input is modified.
func Merge(local, remote Tree, preferLocal bool) Tree {
	merged := mergeValue(local, remote, preferLocal)
	if tree, ok := merged.(Tree); ok {
		return tree
	}
	if m, ok := merged.(map[string]any); ok {
		return Tree(m)
	}
	return local.Copy()
}

func mergeValue(local, remote any, preferLocal bool) any {
	localMap := asMap(local)
	remoteMap := asMap(remote)
	if localMap != nil && remoteMap != nil {
		out := make(Tree, len(localMap)+len(remoteMap))
		for key, value := range localMap {
			out[key] = copyValue(value)
		}
		for key, remoteValue := range remoteMap {
			localValue, exists := out[key]
			if !exists {
				out[key] = copyValue(remoteValue)
				continue
			}
			out[key] = mergeValue(localValue, remoteValue, preferLocal)
		}
		return out
	}

	// Leaf (or map-vs-leaf shape change): one side wins whole.
	if Equal(local, remote) {
		return copyValue(local)
	}
	if preferLocal {
		return copyValue(local)
	}
	return copyValue(remote)
}

func asMap(value any) map[string]any {
	switch typed := value.(type) {
	case Tree:
		return typed
	case map[string]any:
		return typed
	default:
		return nil
	}
}

// Get retrieves the value at a dotted path ("preferences.theme").
func (t Tree) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = t
	for _, part := range parts {
		m := asMap(current)
		if m == nil {
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Set stores value at a dotted path, creating intermediate maps as
// needed. Returns an error if an intermediate path element holds a
// non-map leaf.
func (t Tree) Set(path string, value any) error {
	parts := strings.Split(path, ".")
	current := map[string]any(t)
	for _, part := range parts[:len(parts)-1] {
		next, exists := current[part]
		if !exists {
			child := make(map[string]any)
			current[part] = child
			current = child
			continue
		}
		childMap := asMap(next)
		if childMap == nil {
			return fmt.Errorf("configtree: path element %q is a leaf, not a section", part)
		}
		current = childMap
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// Encode serializes the snapshot to deterministic CBOR.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := codec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("configtree: encoding snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot deserializes a snapshot from CBOR, validates it, and
// runs any registered schema migrations.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return nil, &ValidationError{Field: "snapshot", Reason: fmt.Sprintf("undecodable CBOR: %v", err)}
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	if err := migrate(&snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
