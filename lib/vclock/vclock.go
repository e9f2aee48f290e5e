// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means both clocks have identical counters for every device.
	Equal Ordering = iota

	// Dominates means the first clock is causally ahead of the second:
	// every counter is >= the second's and at least one is strictly
	// greater.
	Dominates

	// Dominated means the second clock is causally ahead of the first.
	Dominated

	// Concurrent means neither clock dominates — the versions carry
	// unordered edits and may conflict.
	Concurrent
)

// String returns the ordering name for logs and test output.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Clock maps device ID to that device's event counter. A missing entry
// is equivalent to a zero counter. The zero value (nil map) is a valid
// empty clock for reads; use New before calling Increment.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Increment advances the counter for deviceID by one. Only the local
// device may increment its own entry — callers pass their own device
// ID, never a peer's.
func (c Clock) Increment(deviceID string) {
	c[deviceID]++
}

// Counter returns the counter for deviceID, zero if absent.
func (c Clock) Counter(deviceID string) uint64 {
	return c[deviceID]
}

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for deviceID, counter := range c {
		out[deviceID] = counter
	}
	return out
}

// Compare establishes the causal relationship between a and b by
// checking, for every device present in either clock, whether a's
// counter is >= b's (a ahead) or <= b's (b ahead). A mixed result is
// Concurrent.
func Compare(a, b Clock) Ordering {
	aAhead := false
	bAhead := false

	for deviceID, counterA := range a {
		counterB := b[deviceID]
		if counterA > counterB {
			aAhead = true
		} else if counterA < counterB {
			bAhead = true
		}
	}
	for deviceID, counterB := range b {
		if _, seen := a[deviceID]; seen {
			continue
		}
		if counterB > 0 {
			bAhead = true
		}
	}

	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return Dominates
	case bAhead:
		return Dominated
	default:
		return Equal
	}
}

// Merge returns the join of a and b: a new clock with the elementwise
// maximum of both counters. Neither input is modified.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for deviceID, counter := range a {
		out[deviceID] = counter
	}
	for deviceID, counter := range b {
		if counter > out[deviceID] {
			out[deviceID] = counter
		}
	}
	return out
}

// String renders the clock as "deviceA:3 deviceB:1" with device IDs
// sorted for stable output.
func (c Clock) String() string {
	deviceIDs := make([]string, 0, len(c))
	for deviceID := range c {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Strings(deviceIDs)

	parts := make([]string, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		parts = append(parts, fmt.Sprintf("%s:%d", deviceID, c[deviceID]))
	}
	return strings.Join(parts, " ")
}
