// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for driftsync.
//
// Configuration is loaded from a single file specified by:
//   - DRIFTSYNC_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for driftsync.
type Config struct {
	// Workspace identifies the synced workspace.
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Device describes this device as peers will see it.
	Device DeviceConfig `yaml:"device"`

	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sync configures the sync coordinator.
	Sync SyncConfig `yaml:"sync"`

	// Crypto selects the envelope AEAD and the archive KDF.
	Crypto CryptoConfig `yaml:"crypto"`

	// Rotation configures scheduled sync-key rotation.
	Rotation RotationConfig `yaml:"rotation"`

	// Transports configures how envelopes reach other devices.
	Transports TransportsConfig `yaml:"transports"`
}

// WorkspaceConfig identifies the synced workspace.
type WorkspaceConfig struct {
	// ID is the workspace identifier shared by all paired devices.
	// Written by `driftsync init`.
	ID string `yaml:"id"`

	// UserID stamps snapshot metadata.
	UserID string `yaml:"user_id"`
}

// DeviceConfig describes this device for pairing payloads.
type DeviceConfig struct {
	// Name is the human-readable device name, e.g. "work-laptop".
	// Default: the hostname.
	Name string `yaml:"name"`

	// Type categorizes the device: desktop, laptop, phone, tablet.
	// Default: desktop
	Type string `yaml:"type"`

	// Platform is the operating system. Default: runtime.GOOS.
	Platform string `yaml:"platform"`

	// Capabilities lists optional features this device supports,
	// e.g. "lan", "archive".
	Capabilities []string `yaml:"capabilities"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// Root is the base directory for driftsync data.
	Root string `yaml:"root"`

	// State is the directory holding the local state database.
	State string `yaml:"state"`

	// Document is the workspace configuration document file.
	Document string `yaml:"document"`
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	// Policy resolves concurrent edits: latest, merge, or manual.
	// Default: manual
	Policy string `yaml:"policy"`

	// AutoSyncInterval is how often background sync runs. "0" disables
	// the timer; sync then only runs on explicit triggers.
	// Default: 5m
	AutoSyncInterval string `yaml:"auto_sync_interval"`

	// MaxRetries bounds transport attempts per operation.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`
}

// CryptoConfig selects cryptographic primitives.
type CryptoConfig struct {
	// Algorithm is the envelope AEAD: chacha20poly1305 or aes256gcm.
	// Default: chacha20poly1305
	Algorithm string `yaml:"algorithm"`

	// KDF derives archive keys from passphrases: argon2id or pbkdf2.
	// Default: argon2id
	KDF string `yaml:"kdf"`
}

// RotationConfig configures scheduled sync-key rotation.
type RotationConfig struct {
	// Enabled turns scheduled rotation on. Pairing and removal still
	// rotate regardless.
	Enabled bool `yaml:"enabled"`

	// IntervalDays is the rotation period. Default: 30
	IntervalDays int `yaml:"interval_days"`
}

// TransportsConfig configures envelope transports. At least one must
// be enabled.
type TransportsConfig struct {
	Cloud   CloudTransportConfig   `yaml:"cloud"`
	LAN     LANTransportConfig     `yaml:"lan"`
	Archive ArchiveTransportConfig `yaml:"archive"`
}

// CloudTransportConfig configures the HTTP blob transport.
type CloudTransportConfig struct {
	// Enabled turns the cloud transport on.
	Enabled bool `yaml:"enabled"`

	// BaseURL is the blob service root, e.g. "https://sync.example.com".
	BaseURL string `yaml:"base_url"`

	// TokenFile holds the bearer token. The token itself never
	// appears in this config file.
	TokenFile string `yaml:"token_file"`
}

// LANTransportConfig configures the local-network peer transport.
type LANTransportConfig struct {
	// Enabled turns the LAN transport on.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the TCP listen address. Every device in a
	// workspace listens on the same port so discovery only has to
	// resolve addresses. Default: :47400
	ListenAddress string `yaml:"listen_address"`
}

// ArchiveTransportConfig configures the file-based transport.
type ArchiveTransportConfig struct {
	// Enabled turns the archive transport on.
	Enabled bool `yaml:"enabled"`

	// Path is the archive file, e.g. on a folder synced by other
	// means or a USB stick.
	Path string `yaml:"path"`

	// PassphraseFile holds the archive passphrase. The passphrase
	// itself never appears in this config file.
	PassphraseFile string `yaml:"passphrase_file"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "driftsync")

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "device"
	}

	return &Config{
		Device: DeviceConfig{
			Name:     hostname,
			Type:     "desktop",
			Platform: runtime.GOOS,
		},
		Paths: PathsConfig{
			Root:     defaultRoot,
			State:    filepath.Join(defaultRoot, "state"),
			Document: filepath.Join(defaultRoot, "workspace.json"),
		},
		Sync: SyncConfig{
			Policy:           "manual",
			AutoSyncInterval: "5m",
			MaxRetries:       3,
		},
		Crypto: CryptoConfig{
			Algorithm: "chacha20poly1305",
			KDF:       "argon2id",
		},
		Rotation: RotationConfig{
			Enabled:      false,
			IntervalDays: 30,
		},
		Transports: TransportsConfig{
			LAN: LANTransportConfig{
				Enabled:       true,
				ListenAddress: ":47400",
			},
		},
	}
}

// Load loads configuration from the DRIFTSYNC_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if DRIFTSYNC_CONFIG is not set,
// this fails. This ensures deterministic, auditable configuration with
// no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("DRIFTSYNC_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DRIFTSYNC_CONFIG environment variable not set; " +
			"set it to the path of your driftsync.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"DRIFTSYNC_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["DRIFTSYNC_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Document = expandVars(c.Paths.Document, vars)
	c.Transports.Cloud.TokenFile = expandVars(c.Transports.Cloud.TokenFile, vars)
	c.Transports.Archive.Path = expandVars(c.Transports.Archive.Path, vars)
	c.Transports.Archive.PassphraseFile = expandVars(c.Transports.Archive.PassphraseFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// AutoSyncInterval parses the configured interval. Zero disables the
// background timer.
func (c *Config) AutoSyncInterval() (time.Duration, error) {
	raw := c.Sync.AutoSyncInterval
	if raw == "" || raw == "0" {
		return 0, nil
	}
	interval, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("sync.auto_sync_interval: %w", err)
	}
	if interval < 0 {
		return 0, fmt.Errorf("sync.auto_sync_interval must not be negative")
	}
	return interval, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.Name == "" {
		errs = append(errs, fmt.Errorf("device.name is required"))
	}

	deviceTypes := []string{"desktop", "laptop", "phone", "tablet"}
	if !contains(deviceTypes, c.Device.Type) {
		errs = append(errs, fmt.Errorf("device.type must be one of: %v", deviceTypes))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.Document == "" {
		errs = append(errs, fmt.Errorf("paths.document is required"))
	}

	policies := []string{"latest", "merge", "manual"}
	if !contains(policies, c.Sync.Policy) {
		errs = append(errs, fmt.Errorf("sync.policy must be one of: %v", policies))
	}
	if _, err := c.AutoSyncInterval(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be at least 1"))
	}

	algorithms := []string{"chacha20poly1305", "aes256gcm"}
	if !contains(algorithms, c.Crypto.Algorithm) {
		errs = append(errs, fmt.Errorf("crypto.algorithm must be one of: %v", algorithms))
	}
	kdfs := []string{"argon2id", "pbkdf2"}
	if !contains(kdfs, c.Crypto.KDF) {
		errs = append(errs, fmt.Errorf("crypto.kdf must be one of: %v", kdfs))
	}

	if c.Rotation.Enabled && c.Rotation.IntervalDays < 1 {
		errs = append(errs, fmt.Errorf("rotation.interval_days must be at least 1"))
	}

	if !c.Transports.Cloud.Enabled && !c.Transports.LAN.Enabled && !c.Transports.Archive.Enabled {
		errs = append(errs, fmt.Errorf("at least one transport must be enabled"))
	}
	if c.Transports.Cloud.Enabled {
		if c.Transports.Cloud.BaseURL == "" {
			errs = append(errs, fmt.Errorf("transports.cloud.base_url is required when cloud is enabled"))
		}
		if c.Transports.Cloud.TokenFile == "" {
			errs = append(errs, fmt.Errorf("transports.cloud.token_file is required when cloud is enabled"))
		}
	}
	if c.Transports.LAN.Enabled && c.Transports.LAN.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("transports.lan.listen_address is required when lan is enabled"))
	}
	if c.Transports.Archive.Enabled {
		if c.Transports.Archive.Path == "" {
			errs = append(errs, fmt.Errorf("transports.archive.path is required when archive is enabled"))
		}
		if c.Transports.Archive.PassphraseFile == "" {
			errs = append(errs, fmt.Errorf("transports.archive.passphrase_file is required when archive is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		filepath.Dir(c.Paths.Document),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// Save writes the configuration to path. Used by `driftsync init` and
// `driftsync config set`.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0600)
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
