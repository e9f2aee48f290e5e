// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing implements the device pairing registry: the
// short-lived signed payload a device publishes to join a workspace,
// and the trust store that tracks which paired devices may receive the
// wrapped workspace key.
//
// Pairing and trust are deliberately separate steps. Processing a
// payload records the device as paired but untrusted; only an explicit
// Trust call grants it a key wrap and a place on the LAN allow-list.
// Payloads expire after five minutes and their tokens are single-use,
// so a leaked QR code or pasted blob cannot be replayed later.
package pairing
