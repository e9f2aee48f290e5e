// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package configtree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the workspace config tree in a single JSON file.
// It is the reference ConfigStore implementation used by the CLI; a
// desktop app would supply its own store backed by whatever owns the
// settings UI.
//
// Writes are atomic (temp file + rename) so a crash mid-apply leaves
// the previous document intact.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// fileDocument is the on-disk JSON shape.
type fileDocument struct {
	SchemaVersion int  `json:"schemaVersion"`
	Tree          Tree `json:"tree"`
	Meta          Meta `json:"lastModified"`
}

// NewFileStore creates a store backed by the given path. The file is
// created on first Apply; a missing file reads as an empty tree.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Snapshot returns the current tree and its provenance metadata.
func (s *FileStore) Snapshot(ctx context.Context) (Tree, Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Apply atomically replaces the stored tree. All-or-nothing: the
// previous document survives any failure.
func (s *FileStore) Apply(ctx context.Context, tree Tree, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(tree, meta)
}

// Set updates a single dotted path and returns the top-level section
// that changed. Used by the CLI's `config set`.
func (s *FileStore) Set(ctx context.Context, path string, value any, meta Meta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, _, err := s.readLocked()
	if err != nil {
		return "", err
	}
	if tree == nil {
		tree = make(Tree)
	}
	if err := tree.Set(path, value); err != nil {
		return "", err
	}
	if err := s.writeLocked(tree, meta); err != nil {
		return "", err
	}

	section := path
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			section = path[:i]
			break
		}
	}
	return section, nil
}

func (s *FileStore) readLocked() (Tree, Meta, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(Tree), Meta{}, nil
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("configtree: reading %s: %w", s.path, err)
	}

	var document fileDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, Meta{}, fmt.Errorf("configtree: parsing %s: %w", s.path, err)
	}
	if document.Tree == nil {
		document.Tree = make(Tree)
	}
	return document.Tree, document.Meta, nil
}

func (s *FileStore) writeLocked(tree Tree, meta Meta) error {
	document := fileDocument{
		SchemaVersion: CurrentSchemaVersion,
		Tree:          tree,
		Meta:          meta,
	}
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("configtree: encoding %s: %w", s.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("configtree: creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(s.path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("configtree: creating temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("configtree: writing %s: %w", tempPath, err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("configtree: closing %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("configtree: replacing %s: %w", s.path, err)
	}
	return nil
}
