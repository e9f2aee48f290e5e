// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/secret"
)

// ArchiveConfig holds the parameters for the import/export transport.
type ArchiveConfig struct {
	// Path is the archive file, e.g. a folder synced by other means
	// or a USB stick. Created on first upload.
	Path string

	// Keyring seals outgoing archives.
	Keyring *keyring.Manager

	// Passphrase protects the archive. Borrowed, NOT closed.
	Passphrase *secret.Buffer

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Archive bridges devices with no shared network: envelopes travel as
// passphrase-protected files. The same path serves first-pairing
// bootstrap (export on one device, import on the other) and fully
// offline sync.
type Archive struct {
	path       string
	keyring    *keyring.Manager
	passphrase *secret.Buffer
	logger     *slog.Logger
}

// NewArchive validates the configuration and builds the transport.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("transport: archive Path is required")
	}
	if cfg.Keyring == nil || cfg.Passphrase == nil {
		return nil, fmt.Errorf("transport: archive Keyring and Passphrase are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Archive{
		path:       cfg.Path,
		keyring:    cfg.Keyring,
		passphrase: cfg.Passphrase,
		logger:     cfg.Logger,
	}, nil
}

// Name implements Transport.
func (a *Archive) Name() string { return "archive" }

// SupportsRealTimeUpdates implements Transport.
func (a *Archive) SupportsRealTimeUpdates() bool { return false }

// Available reports whether the archive's directory exists — a
// detached USB stick makes the transport unavailable, not broken.
func (a *Archive) Available(ctx context.Context) bool {
	_, err := os.Stat(filepath.Dir(a.path))
	return err == nil
}

// Upload seals the envelope into a passphrase archive and writes it
// atomically (temp file + rename).
func (a *Archive) Upload(ctx context.Context, envelope []byte) error {
	sealed, err := a.keyring.SealArchive(envelope, a.passphrase)
	if err != nil {
		return &Error{Transport: a.Name(), Op: "upload", Err: err}
	}

	temp, err := os.CreateTemp(filepath.Dir(a.path), ".driftsync-archive-*")
	if err != nil {
		return &Error{Transport: a.Name(), Op: "upload", Err: err, Retryable: true}
	}
	tempName := temp.Name()
	if _, err := temp.Write(sealed); err != nil {
		temp.Close()
		os.Remove(tempName)
		return &Error{Transport: a.Name(), Op: "upload", Err: err, Retryable: true}
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return &Error{Transport: a.Name(), Op: "upload", Err: err, Retryable: true}
	}
	if err := os.Rename(tempName, a.path); err != nil {
		os.Remove(tempName)
		return &Error{Transport: a.Name(), Op: "upload", Err: err, Retryable: true}
	}

	a.logger.Info("archive exported", "path", a.path, "bytes", len(sealed))
	return nil
}

// Download opens the archive file if present. A wrong passphrase is a
// non-retryable error — retrying cannot fix it.
func (a *Archive) Download(ctx context.Context) ([][]byte, error) {
	data, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Transport: a.Name(), Op: "download", Err: err, Retryable: true}
	}

	envelope, err := keyring.OpenArchive(data, a.passphrase)
	if err != nil {
		return nil, &Error{Transport: a.Name(), Op: "download", Err: err}
	}

	a.logger.Info("archive imported", "path", a.path, "bytes", len(envelope))
	return [][]byte{envelope}, nil
}

// LastModified implements Transport from the file's mtime.
func (a *Archive) LastModified(ctx context.Context) (time.Time, bool, error) {
	info, err := os.Stat(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &Error{Transport: a.Name(), Op: "stat", Err: err, Retryable: true}
	}
	return info.ModTime(), true, nil
}
