// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring owns all key material for a workspace's device:
//
//   - The device identity: an Ed25519 signing keypair (pairing
//     payloads, LAN peer auth, wrap-manifest signatures) and an age
//     X25519 agreement keypair (receiving wrapped sync keys).
//   - The workspace sync key: the single symmetric key that seals
//     sync envelopes, individually wrapped (age-encrypted) for every
//     trusted device's agreement key.
//   - The key epoch: bumped on every rotation, carried in every
//     envelope header, and enforced on open so stale keys are
//     rejected rather than silently misapplied.
//
// Rotation generates a fresh sync key, re-wraps it for the trusted
// device set, and bumps the epoch. A device that missed a rotation
// recovers from the wrap manifest in the next envelope header it
// sees: it verifies the sender's manifest signature, unwraps its own
// entry, and adopts the new key. A device with no entry in the
// manifest — removed, or paired but never trusted — surfaces
// ErrNeedsRePairing instead of failing quietly.
//
// Private keys and the sync key live in secret.Buffers (mmap-backed,
// mlocked, zeroed on close). Passphrase-protected export archives use
// a configurable password KDF (Argon2id by default, PBKDF2 where
// required) in front of the same AEAD as envelopes.
package keyring
