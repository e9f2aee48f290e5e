// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves sealed envelopes between devices. Three
// implementations share one interface: a cloud blob store that never
// sees plaintext, a LAN path with mDNS discovery and mutually
// authenticated TCP exchange, and a file archive for offline bridging.
//
// Transports carry opaque bytes. Everything about trust, decryption,
// and merging happens above them — an envelope that arrives over LAN
// is treated exactly like one downloaded from the cloud.
package transport
