// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that everything schedule-driven in
// the sync engine — the autoSync interval, retry backoff, key-rotation
// checks, pairing payload expiry — is deterministic under test.
//
// Production code injects Real(); tests inject Fake(initial) and step
// time with Advance. Any function that would call time.Now, time.After,
// time.NewTicker, time.AfterFunc, or time.Sleep takes a Clock instead.
package clock
