// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides guarded memory for key material: the
// workspace sync key, device identity private keys, archive
// passphrases, and cloud credentials.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock so it cannot be swapped to
// disk, and marks it excluded from core dumps via
// madvise(MADV_DONTDUMP). Close zeroes, unlocks, and unmaps the
// region. Because the memory is outside the Go heap the garbage
// collector never copies or relocates it, so Close reliably destroys
// the only copy.
package secret
