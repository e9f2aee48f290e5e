// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/secret"
)

func newTestArchive(t *testing.T, path, passphrase string) *Archive {
	t.Helper()

	manager, err := keyring.NewManager(keyring.Options{
		WorkspaceID: "ws-1",
		DeviceID:    "laptop",
	})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	protected, err := secret.NewFromString(passphrase)
	if err != nil {
		t.Fatalf("protecting passphrase: %v", err)
	}
	t.Cleanup(func() { protected.Close() })

	archive, err := NewArchive(ArchiveConfig{
		Path:       path,
		Keyring:    manager,
		Passphrase: protected,
	})
	if err != nil {
		t.Fatalf("NewArchive() error: %v", err)
	}
	return archive
}

func TestArchive_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.dsa")
	ctx := context.Background()

	exporter := newTestArchive(t, path, "shared passphrase")

	// Nothing exported yet.
	envelopes, err := exporter.Download(ctx)
	if err != nil {
		t.Fatalf("Download() before export error: %v", err)
	}
	if len(envelopes) != 0 {
		t.Fatalf("got %d envelopes before export", len(envelopes))
	}
	if _, known, _ := exporter.LastModified(ctx); known {
		t.Error("LastModified() known before export")
	}

	payload := []byte("sealed envelope bytes")
	if err := exporter.Upload(ctx, payload); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	// A different device with the same passphrase imports it.
	importer := newTestArchive(t, path, "shared passphrase")
	envelopes, err = importer.Download(ctx)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if len(envelopes) != 1 || !bytes.Equal(envelopes[0], payload) {
		t.Fatalf("Download() = %q", envelopes)
	}
	if _, known, err := importer.LastModified(ctx); err != nil || !known {
		t.Errorf("LastModified() = known %v, err %v", known, err)
	}
}

func TestArchive_WrongPassphraseNotRetryable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.dsa")
	ctx := context.Background()

	exporter := newTestArchive(t, path, "right")
	if err := exporter.Upload(ctx, []byte("payload")); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	importer := newTestArchive(t, path, "wrong")
	_, err := importer.Download(ctx)
	if err == nil {
		t.Fatal("Download() with wrong passphrase succeeded")
	}
	if IsRetryable(err) {
		t.Error("wrong passphrase reported as retryable")
	}
}

func TestArchive_AvailabilityTracksDirectory(t *testing.T) {
	dir := t.TempDir()
	archive := newTestArchive(t, filepath.Join(dir, "workspace.dsa"), "pw")
	if !archive.Available(context.Background()) {
		t.Error("Available() = false for existing directory")
	}

	gone := newTestArchive(t, filepath.Join(dir, "missing", "workspace.dsa"), "pw")
	if gone.Available(context.Background()) {
		t.Error("Available() = true for missing directory")
	}
}
