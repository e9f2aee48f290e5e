// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the sync envelope: the single wire
// format every transport carries, whether the bytes travel through a
// cloud blob folder, a LAN peer channel, or an exported archive file.
//
// An envelope is:
//
//	"DSE1" | uvarint header length | CBOR header | nonce | ciphertext+tag
//
// The header is cleartext — workspace ID, sender device, vector clock,
// key epoch, and the current key-wrap manifest — and is fed to the
// AEAD as additional authenticated data, so any tampering with it
// fails authentication. The body is the zstd-compressed workspace
// snapshot sealed with XChaCha20-Poly1305 (default) or AES-256-GCM
// under a per-epoch subkey derived from the workspace sync key via
// HKDF-SHA256. Compression happens before encryption; ciphertext does
// not compress.
//
// Carrying the wrap manifest in every header is what lets a device
// that missed a key rotation recover: it finds its own wrap, verifies
// the sender's signature over (epoch ‖ manifest), and adopts the new
// key without a separate delivery channel.
package envelope
