// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration for driftsync.
// Envelope headers, workspace snapshots, persisted vector clocks, and
// conflict records all serialize through this package.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Determinism matters here — envelope headers are fed into the AEAD as
// additional authenticated data and wrap manifests are signed, so the
// same logical value must always produce identical bytes on every
// device.
//
// Decoding accepts standard CBOR and silently ignores unknown struct
// fields for forward compatibility across engine versions.
package codec
