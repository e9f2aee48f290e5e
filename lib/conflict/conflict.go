// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/lib/clock"
	"github.com/driftsync/driftsync/lib/configtree"
	"github.com/driftsync/driftsync/lib/vclock"
)

// Policy selects how concurrent edits are reconciled.
type Policy string

const (
	// PolicyLatest is last-writer-wins: the snapshot with the later
	// timestamp wins wholesale.
	PolicyLatest Policy = "latest"

	// PolicyMerge deep-merges the trees field by field; where a single
	// field differs, the later writer's value wins.
	PolicyMerge Policy = "merge"

	// PolicyManual keeps the local value and records a SyncConflict
	// for the user to resolve. Default.
	PolicyManual Policy = "manual"
)

// Valid reports whether the policy is one this engine implements.
func (p Policy) Valid() bool {
	return p == PolicyLatest || p == PolicyMerge || p == PolicyManual
}

// Resolution is the user's answer to a SyncConflict.
type Resolution string

const (
	// ResolutionLocal keeps this device's value.
	ResolutionLocal Resolution = "local"

	// ResolutionRemote adopts the other device's value.
	ResolutionRemote Resolution = "remote"

	// ResolutionMerge deep-merges both values, remote winning on
	// overlapping leaves.
	ResolutionMerge Resolution = "merge"
)

// Valid reports whether the resolution is one this engine implements.
func (r Resolution) Valid() bool {
	return r == ResolutionLocal || r == ResolutionRemote || r == ResolutionMerge
}

// Side is one party's view of a conflicted value.
type Side struct {
	Value     any
	Timestamp time.Time
	DeviceID  string
	Clock     vclock.Clock
}

// SyncConflict records one pair of concurrent edits to the same
// top-level section. Created only by the detector on incomparable
// clocks; removed only by explicit resolution.
type SyncConflict struct {
	ID            string
	Path          string
	Type          string
	Local         Side
	Remote        Side
	Resolution    Resolution
	ResolvedValue any
	ResolvedAt    time.Time
}

// Resolved reports whether the conflict has been answered.
func (c *SyncConflict) Resolved() bool { return c.Resolution != "" }

// Outcome is the result of merging a remote snapshot into the local
// one.
type Outcome struct {
	// Snapshot is the post-merge document: tree, joined clock, meta.
	Snapshot *configtree.Snapshot

	// Conflicts are the new conflicts this merge produced (manual
	// policy only).
	Conflicts []SyncConflict

	// Ordering is the clock relation that drove the decision.
	Ordering vclock.Ordering

	// Changed reports whether the merge altered the local tree.
	Changed bool
}

// Detector applies the workspace conflict policy to snapshot pairs.
type Detector struct {
	policy Policy
	clk    clock.Clock
	logger *slog.Logger
}

// NewDetector builds a detector. A nil clock means wall time; a nil
// logger discards.
func NewDetector(policy Policy, clk clock.Clock, logger *slog.Logger) (*Detector, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("conflict: unknown policy %q", policy)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Detector{policy: policy, clk: clk, logger: logger}, nil
}

// Policy returns the detector's configured policy.
func (d *Detector) Policy() Policy { return d.policy }

// SetPolicy changes the policy for subsequent merges.
func (d *Detector) SetPolicy(policy Policy) error {
	if !policy.Valid() {
		return fmt.Errorf("conflict: unknown policy %q", policy)
	}
	d.policy = policy
	return nil
}

// Merge reconciles a remote snapshot into the local one. Neither input
// is modified; the outcome's snapshot is a fresh document whose clock
// is the join of both inputs.
func (d *Detector) Merge(local, remote *configtree.Snapshot) (*Outcome, error) {
	if local.WorkspaceID != remote.WorkspaceID {
		return nil, fmt.Errorf("conflict: snapshot workspace %q does not match %q", remote.WorkspaceID, local.WorkspaceID)
	}

	ordering := vclock.Compare(local.Clock, remote.Clock)
	joined := vclock.Merge(local.Clock, remote.Clock)

	outcome := &Outcome{Ordering: ordering}
	switch ordering {
	case vclock.Equal, vclock.Dominates:
		// Local already saw everything the remote has.
		outcome.Snapshot = &configtree.Snapshot{
			SchemaVersion: local.SchemaVersion,
			WorkspaceID:   local.WorkspaceID,
			Tree:          local.Tree.Copy(),
			Meta:          local.Meta,
			Clock:         joined,
		}
		return outcome, nil

	case vclock.Dominated:
		// Remote strictly supersedes local: adopt it wholesale.
		outcome.Snapshot = &configtree.Snapshot{
			SchemaVersion: remote.SchemaVersion,
			WorkspaceID:   remote.WorkspaceID,
			Tree:          remote.Tree.Copy(),
			Meta:          remote.Meta,
			Clock:         joined,
		}
		outcome.Changed = !configtree.Equal(local.Tree, remote.Tree)
		return outcome, nil
	}

	// Concurrent: policy decides.
	switch d.policy {
	case PolicyLatest:
		winner := local
		if remoteWins(local, remote) {
			winner = remote
		}
		outcome.Snapshot = &configtree.Snapshot{
			SchemaVersion: winner.SchemaVersion,
			WorkspaceID:   winner.WorkspaceID,
			Tree:          winner.Tree.Copy(),
			Meta:          winner.Meta,
			Clock:         joined,
		}
		outcome.Changed = winner == remote && !configtree.Equal(local.Tree, remote.Tree)

	case PolicyMerge:
		preferLocal := !remoteWins(local, remote)
		merged := configtree.Merge(local.Tree, remote.Tree, preferLocal)
		outcome.Snapshot = &configtree.Snapshot{
			SchemaVersion: local.SchemaVersion,
			WorkspaceID:   local.WorkspaceID,
			Tree:          merged,
			Meta:          local.Meta,
			Clock:         joined,
		}
		outcome.Changed = !configtree.Equal(local.Tree, merged)

	case PolicyManual:
		outcome.Snapshot, outcome.Conflicts, outcome.Changed = d.manualMerge(local, remote, joined)

	default:
		return nil, fmt.Errorf("conflict: unknown policy %q", d.policy)
	}

	if len(outcome.Conflicts) > 0 {
		d.logger.Info("concurrent edits recorded as conflicts",
			"count", len(outcome.Conflicts),
			"local_device", local.Meta.DeviceID,
			"remote_device", remote.Meta.DeviceID,
		)
	}
	return outcome, nil
}

// manualMerge keeps local values wherever both sides edited the same
// section, adopts sections only the remote has, and emits exactly one
// conflict per contested section.
func (d *Detector) manualMerge(local, remote *configtree.Snapshot, joined vclock.Clock) (*configtree.Snapshot, []SyncConflict, bool) {
	tree := local.Tree.Copy()
	if tree == nil {
		tree = configtree.Tree{}
	}
	changed := false

	var conflicts []SyncConflict
	for _, section := range configtree.DiffSections(local.Tree, remote.Tree) {
		localValue, localHas := local.Tree[section]
		remoteValue, remoteHas := remote.Tree[section]

		switch {
		case !localHas:
			// Remote-only section: nothing to contest.
			tree[section] = copySectionValue(remoteValue)
			changed = true
		case !remoteHas:
			// Local-only section: keep it, nothing to record.
		default:
			conflicts = append(conflicts, SyncConflict{
				ID:   uuid.NewString(),
				Path: section,
				Type: configtree.SectionConflictType(section),
				Local: Side{
					Value:     copySectionValue(localValue),
					Timestamp: local.Meta.Timestamp,
					DeviceID:  local.Meta.DeviceID,
					Clock:     local.Clock.Copy(),
				},
				Remote: Side{
					Value:     copySectionValue(remoteValue),
					Timestamp: remote.Meta.Timestamp,
					DeviceID:  remote.Meta.DeviceID,
					Clock:     remote.Clock.Copy(),
				},
			})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })

	snapshot := &configtree.Snapshot{
		SchemaVersion: local.SchemaVersion,
		WorkspaceID:   local.WorkspaceID,
		Tree:          tree,
		Meta:          local.Meta,
		Clock:         joined,
	}
	return snapshot, conflicts, changed
}

// Resolve answers a conflict and returns the value to write back at
// the conflict's path.
func (d *Detector) Resolve(conflict *SyncConflict, resolution Resolution) (any, error) {
	if conflict.Resolved() {
		return nil, fmt.Errorf("conflict: %s already resolved as %q", conflict.ID, conflict.Resolution)
	}
	if !resolution.Valid() {
		return nil, fmt.Errorf("conflict: unknown resolution %q", resolution)
	}

	var value any
	switch resolution {
	case ResolutionLocal:
		value = conflict.Local.Value
	case ResolutionRemote:
		value = conflict.Remote.Value
	case ResolutionMerge:
		localTree, localOK := asTree(conflict.Local.Value)
		remoteTree, remoteOK := asTree(conflict.Remote.Value)
		if !localOK || !remoteOK {
			return nil, fmt.Errorf("conflict: %s values are not mergeable sections", conflict.ID)
		}
		value = configtree.Merge(localTree, remoteTree, false)
	}

	conflict.Resolution = resolution
	conflict.ResolvedValue = value
	conflict.ResolvedAt = d.clk.Now()

	d.logger.Info("conflict resolved",
		"conflict_id", conflict.ID,
		"path", conflict.Path,
		"resolution", string(resolution),
	)
	return value, nil
}

// remoteWins is the deterministic tie-break for concurrent snapshots:
// the later timestamp wins; on identical timestamps the
// lexicographically smaller device ID wins, so every device picks the
// same winner.
func remoteWins(local, remote *configtree.Snapshot) bool {
	if !remote.Meta.Timestamp.Equal(local.Meta.Timestamp) {
		return remote.Meta.Timestamp.After(local.Meta.Timestamp)
	}
	return remote.Meta.DeviceID < local.Meta.DeviceID
}

func copySectionValue(value any) any {
	if tree, ok := asTree(value); ok {
		return tree.Copy()
	}
	return value
}

func asTree(value any) (configtree.Tree, bool) {
	switch typed := value.(type) {
	case configtree.Tree:
		return typed, true
	case map[string]any:
		return configtree.Tree(typed), true
	default:
		return nil, false
	}
}
