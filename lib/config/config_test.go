// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Sync.Policy != "manual" {
		t.Errorf("expected policy=manual, got %s", cfg.Sync.Policy)
	}

	if cfg.Crypto.Algorithm != "chacha20poly1305" {
		t.Errorf("expected algorithm=chacha20poly1305, got %s", cfg.Crypto.Algorithm)
	}

	if cfg.Crypto.KDF != "argon2id" {
		t.Errorf("expected kdf=argon2id, got %s", cfg.Crypto.KDF)
	}

	if !cfg.Transports.LAN.Enabled {
		t.Error("expected lan transport enabled by default")
	}

	if cfg.Transports.LAN.ListenAddress != ":47400" {
		t.Errorf("expected listen_address=:47400, got %s", cfg.Transports.LAN.ListenAddress)
	}
}

func TestLoad_RequiresDriftsyncConfig(t *testing.T) {
	// Save and restore DRIFTSYNC_CONFIG.
	origConfig := os.Getenv("DRIFTSYNC_CONFIG")
	defer os.Setenv("DRIFTSYNC_CONFIG", origConfig)

	// Unset DRIFTSYNC_CONFIG - Load() should fail.
	os.Unsetenv("DRIFTSYNC_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when DRIFTSYNC_CONFIG not set, got nil")
	}

	expectedMsg := "DRIFTSYNC_CONFIG environment variable not set"
	if err.Error()[:len(expectedMsg)] != expectedMsg {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithDriftsyncConfig(t *testing.T) {
	// Save and restore DRIFTSYNC_CONFIG.
	origConfig := os.Getenv("DRIFTSYNC_CONFIG")
	defer os.Setenv("DRIFTSYNC_CONFIG", origConfig)

	// Create temp config file.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "driftsync.yaml")

	configContent := `
workspace:
  id: ws-test
paths:
  root: /test/root
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	// Set DRIFTSYNC_CONFIG and load.
	os.Setenv("DRIFTSYNC_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Workspace.ID != "ws-test" {
		t.Errorf("expected workspace id=ws-test, got %s", cfg.Workspace.ID)
	}

	if cfg.Paths.Root != "/test/root" {
		t.Errorf("expected root=/test/root, got %s", cfg.Paths.Root)
	}
}

func TestLoadFile(t *testing.T) {
	// Create temp config file.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "driftsync.yaml")

	configContent := `
workspace:
  id: ws-custom
  user_id: alex

device:
  name: work-laptop
  type: laptop

paths:
  root: /custom/root
  state: ${DRIFTSYNC_ROOT}/state

sync:
  policy: merge
  auto_sync_interval: 90s
  max_retries: 5

crypto:
  algorithm: aes256gcm
  kdf: pbkdf2

rotation:
  enabled: true
  interval_days: 14

transports:
  cloud:
    enabled: true
    base_url: https://sync.example.com
    token_file: ${DRIFTSYNC_ROOT}/token
  lan:
    enabled: false
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Device.Name != "work-laptop" {
		t.Errorf("expected device name=work-laptop, got %s", cfg.Device.Name)
	}

	if cfg.Paths.State != "/custom/root/state" {
		t.Errorf("expected state=/custom/root/state, got %s", cfg.Paths.State)
	}

	if cfg.Sync.Policy != "merge" {
		t.Errorf("expected policy=merge, got %s", cfg.Sync.Policy)
	}

	interval, err := cfg.AutoSyncInterval()
	if err != nil {
		t.Fatalf("AutoSyncInterval failed: %v", err)
	}
	if interval != 90*time.Second {
		t.Errorf("expected interval=90s, got %s", interval)
	}

	if cfg.Crypto.Algorithm != "aes256gcm" {
		t.Errorf("expected algorithm=aes256gcm, got %s", cfg.Crypto.Algorithm)
	}

	if !cfg.Rotation.Enabled || cfg.Rotation.IntervalDays != 14 {
		t.Errorf("expected rotation enabled every 14 days, got %+v", cfg.Rotation)
	}

	if cfg.Transports.Cloud.TokenFile != "/custom/root/token" {
		t.Errorf("expected token_file=/custom/root/token, got %s", cfg.Transports.Cloud.TokenFile)
	}

	if cfg.Transports.LAN.Enabled {
		t.Error("expected lan transport disabled")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Verify that environment variables do NOT override config file values.
	// The config file is the single source of truth for deterministic configuration.

	// Save and restore env vars.
	origRoot := os.Getenv("DRIFTSYNC_ROOT")
	origPolicy := os.Getenv("DRIFTSYNC_POLICY")
	defer func() {
		os.Setenv("DRIFTSYNC_ROOT", origRoot)
		os.Setenv("DRIFTSYNC_POLICY", origPolicy)
	}()

	// Set env vars that should be ignored.
	os.Setenv("DRIFTSYNC_ROOT", "/env/root")
	os.Setenv("DRIFTSYNC_POLICY", "latest")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "driftsync.yaml")

	configContent := `
paths:
  root: /file/root
sync:
  policy: manual
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	// File values should be used, NOT env vars.
	if cfg.Paths.Root != "/file/root" {
		t.Errorf("expected root=/file/root from file, got %s (env vars should not override)", cfg.Paths.Root)
	}

	if cfg.Sync.Policy != "manual" {
		t.Errorf("expected policy=manual from file, got %s (env vars should not override)", cfg.Sync.Policy)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/driftsync",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/driftsync",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestAutoSyncInterval_ZeroDisables(t *testing.T) {
	cfg := Default()
	cfg.Sync.AutoSyncInterval = "0"

	interval, err := cfg.AutoSyncInterval()
	if err != nil {
		t.Fatalf("AutoSyncInterval failed: %v", err)
	}
	if interval != 0 {
		t.Errorf("expected interval=0, got %s", interval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty device name",
			modify: func(c *Config) {
				c.Device.Name = ""
			},
			wantErr: true,
		},
		{
			name: "invalid device type",
			modify: func(c *Config) {
				c.Device.Type = "toaster"
			},
			wantErr: true,
		},
		{
			name: "empty root path",
			modify: func(c *Config) {
				c.Paths.Root = ""
			},
			wantErr: true,
		},
		{
			name: "invalid policy",
			modify: func(c *Config) {
				c.Sync.Policy = "newest"
			},
			wantErr: true,
		},
		{
			name: "unparseable interval",
			modify: func(c *Config) {
				c.Sync.AutoSyncInterval = "soon"
			},
			wantErr: true,
		},
		{
			name: "zero retries",
			modify: func(c *Config) {
				c.Sync.MaxRetries = 0
			},
			wantErr: true,
		},
		{
			name: "invalid algorithm",
			modify: func(c *Config) {
				c.Crypto.Algorithm = "rot13"
			},
			wantErr: true,
		},
		{
			name: "invalid kdf",
			modify: func(c *Config) {
				c.Crypto.KDF = "md5"
			},
			wantErr: true,
		},
		{
			name: "rotation enabled without interval",
			modify: func(c *Config) {
				c.Rotation.Enabled = true
				c.Rotation.IntervalDays = 0
			},
			wantErr: true,
		},
		{
			name: "no transport enabled",
			modify: func(c *Config) {
				c.Transports.LAN.Enabled = false
			},
			wantErr: true,
		},
		{
			name: "cloud enabled without base_url",
			modify: func(c *Config) {
				c.Transports.Cloud.Enabled = true
				c.Transports.Cloud.TokenFile = "/tmp/token"
			},
			wantErr: true,
		},
		{
			name: "archive enabled without path",
			modify: func(c *Config) {
				c.Transports.Archive.Enabled = true
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "driftsync")
	cfg.Paths.State = filepath.Join(cfg.Paths.Root, "state")
	cfg.Paths.Document = filepath.Join(cfg.Paths.Root, "doc", "workspace.json")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	// Verify directories were created.
	for _, path := range []string{cfg.Paths.Root, cfg.Paths.State, filepath.Dir(cfg.Paths.Document)} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "driftsync.yaml")

	cfg := Default()
	cfg.Workspace.ID = "ws-save"
	cfg.Sync.Policy = "latest"

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if loaded.Workspace.ID != "ws-save" {
		t.Errorf("workspace id = %s, want ws-save", loaded.Workspace.ID)
	}
	if loaded.Sync.Policy != "latest" {
		t.Errorf("policy = %s, want latest", loaded.Sync.Policy)
	}
}
