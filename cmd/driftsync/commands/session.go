// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
	"github.com/driftsync/driftsync/engine"
	"github.com/driftsync/driftsync/lib/config"
	"github.com/driftsync/driftsync/lib/configtree"
	"github.com/driftsync/driftsync/lib/conflict"
	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/pairing"
	"github.com/driftsync/driftsync/lib/secret"
	"github.com/driftsync/driftsync/lib/state"
	"github.com/driftsync/driftsync/transport"
)

// stateFile is the state database filename under paths.state.
const stateFile = "driftsync.db"

// sessionParams carries the flags shared by every command that opens
// the engine.
type sessionParams struct {
	configPath string
	verbose    bool
}

// bind registers the shared flags on a command's flag set.
func (p *sessionParams) bind(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.configPath, "config", "", "path to driftsync.yaml (default $DRIFTSYNC_CONFIG)")
	flagSet.BoolVarP(&p.verbose, "verbose", "v", false, "enable debug logging")
}

func newFlagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ContinueOnError)
}

// loadConfig resolves the config file from the --config flag or the
// DRIFTSYNC_CONFIG environment variable.
func (p *sessionParams) loadConfig() (*config.Config, error) {
	if p.configPath != "" {
		return config.LoadFile(p.configPath)
	}
	return config.Load()
}

// session is one command invocation's fully wired engine: config,
// state store, keyring, registry, transports, coordinator. Commands
// open a session, perform their operation, and Close.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.Store
	keyring  *keyring.Manager
	registry *pairing.Registry
	configs  *configtree.FileStore
	engine   *engine.Engine

	closers []func() error
}

// transportBuilder assembles the session's transports. The default
// builder follows the config file; export/import substitute a single
// archive transport.
type transportBuilder func(s *session) ([]transport.Transport, <-chan string, error)

// openSession loads config, restores persisted identity and state,
// wires transports, and initializes the engine. The caller must Close.
func openSession(ctx context.Context, params *sessionParams, build transportBuilder) (s *session, err error) {
	cfg, err := params.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Workspace.ID == "" {
		return nil, fmt.Errorf("workspace is not initialized; run 'driftsync init' first")
	}

	s = &session{
		cfg:    cfg,
		logger: cli.NewCommandLogger(params.verbose),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.store, err = state.Open(state.Config{
		Path:        filepath.Join(cfg.Paths.State, stateFile),
		WorkspaceID: cfg.Workspace.ID,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.store.Close)

	material, ok, err := s.store.Material()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no device identity found; run 'driftsync init' first")
	}
	s.keyring, err = keyring.Restore(material, nil, s.logger)
	material.Zero()
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.keyring.Close)

	s.registry = pairing.NewRegistry(s.store, nil, s.logger)
	s.configs = configtree.NewFileStore(cfg.Paths.Document)

	if build == nil {
		build = configuredTransports
	}
	transports, announcements, err := build(s)
	if err != nil {
		return nil, err
	}
	manager, err := transport.NewManager(s.logger, transports...)
	if err != nil {
		return nil, err
	}

	autoSync, err := cfg.AutoSyncInterval()
	if err != nil {
		return nil, err
	}

	s.engine, err = engine.New(engine.Options{
		UserID:           cfg.Workspace.UserID,
		Keyring:          s.keyring,
		State:            s.store,
		Registry:         s.registry,
		Configs:          s.configs,
		Transports:       manager,
		Policy:           conflict.Policy(cfg.Sync.Policy),
		AutoSyncInterval: autoSync,
		MaxRetries:       cfg.Sync.MaxRetries,
		Announcements:    announcements,
		Logger:           s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.engine.Initialize(ctx); err != nil {
		return nil, err
	}

	// The config file is the source of truth for the rotation
	// schedule; persisted material may predate an edit.
	if err := s.engine.UpdateSyncConfig(engine.ConfigUpdate{
		RotationEnabled:      &cfg.Rotation.Enabled,
		RotationIntervalDays: &cfg.Rotation.IntervalDays,
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases session resources in reverse acquisition order.
func (s *session) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// configuredTransports builds the transports the config file enables.
func configuredTransports(s *session) ([]transport.Transport, <-chan string, error) {
	var transports []transport.Transport
	var announcements <-chan string

	if s.cfg.Transports.Cloud.Enabled {
		token, err := s.cloudToken()
		if err != nil {
			return nil, nil, fmt.Errorf("cloud token: %w", err)
		}
		s.closers = append(s.closers, token.Close)

		cloud, err := transport.NewCloud(transport.CloudConfig{
			BaseURL:     s.cfg.Transports.Cloud.BaseURL,
			WorkspaceID: s.keyring.WorkspaceID(),
			Token:       token,
			Logger:      s.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		transports = append(transports, cloud)
	}

	if s.cfg.Transports.LAN.Enabled {
		port, err := listenPort(s.cfg.Transports.LAN.ListenAddress)
		if err != nil {
			return nil, nil, err
		}
		discovery, err := transport.NewMDNSDiscovery(s.keyring.DeviceID(), port)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, discovery.Close)

		lan, err := transport.NewLAN(transport.LANConfig{
			DeviceID:      s.keyring.DeviceID(),
			ListenAddress: s.cfg.Transports.LAN.ListenAddress,
			Authenticator: &peerAuthenticator{keyring: s.keyring, registry: s.registry},
			Allowed:       s.deviceTrusted,
			Peers:         s.trustedPeers,
			Discovery:     discovery,
			Logger:        s.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, lan.Close)
		transports = append(transports, lan)
		announcements = lan.Announcements()
	}

	if s.cfg.Transports.Archive.Enabled {
		archive, err := s.archiveTransport(s.cfg.Transports.Archive.Path, s.cfg.Transports.Archive.PassphraseFile)
		if err != nil {
			return nil, nil, err
		}
		transports = append(transports, archive)
	}

	return transports, announcements, nil
}

// cloudToken loads the cloud bearer token. The token file is the
// source of truth when present; a copy sealed to this device's
// identity is kept in the state database, so the file does not have to
// stay on disk after the first run.
func (s *session) cloudToken() (*secret.Buffer, error) {
	token, err := readSecretFile(s.cfg.Transports.Cloud.TokenFile)
	if err == nil {
		sealed, sealErr := s.keyring.SealLocal(token.Bytes())
		if sealErr == nil {
			sealErr = s.store.SaveCredential("cloud_token", sealed)
		}
		if sealErr != nil {
			s.logger.Warn("caching cloud token failed", "error", sealErr)
		}
		return token, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	sealed, ok, loadErr := s.store.Credential("cloud_token")
	if loadErr != nil {
		return nil, loadErr
	}
	if !ok {
		return nil, err
	}
	return s.keyring.OpenLocal(sealed)
}

// archiveTransport builds a file transport with its passphrase loaded
// from passphraseFile.
func (s *session) archiveTransport(path, passphraseFile string) (transport.Transport, error) {
	passphrase, err := readSecretFile(passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("archive passphrase: %w", err)
	}
	s.closers = append(s.closers, passphrase.Close)

	return transport.NewArchive(transport.ArchiveConfig{
		Path:       path,
		Keyring:    s.keyring,
		Passphrase: passphrase,
		Logger:     s.logger,
	})
}

// deviceTrusted is the LAN allow-list: only trusted devices connect.
func (s *session) deviceTrusted(deviceID string) bool {
	device, ok, err := s.registry.Device(deviceID)
	return err == nil && ok && device.Trusted
}

// trustedPeers lists the device IDs LAN uploads push to.
func (s *session) trustedPeers() []string {
	devices, err := s.registry.Devices()
	if err != nil {
		return nil
	}
	var ids []string
	for _, device := range devices {
		if device.Trusted {
			ids = append(ids, device.ID)
		}
	}
	return ids
}

// peerAuthenticator implements transport.PeerAuthenticator over the
// keyring (local signing) and the device registry (peer key lookup).
type peerAuthenticator struct {
	keyring  *keyring.Manager
	registry *pairing.Registry
}

func (a *peerAuthenticator) Sign(message []byte) []byte {
	return a.keyring.Sign(message)
}

func (a *peerAuthenticator) VerifyPeer(peerDeviceID string, message, signature []byte) error {
	device, ok, err := a.registry.Device(peerDeviceID)
	if err != nil {
		return err
	}
	if !ok || !device.Trusted {
		return fmt.Errorf("device %q is not trusted", peerDeviceID)
	}
	return keyring.VerifySignature(device.SigningKey, message, signature)
}

// readSecretFile loads a trimmed secret from a file into a locked
// buffer and zeros the intermediate copy.
func readSecretFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	buffer, err := secret.NewFromBytes(trimmed)
	secret.Zero(data)
	if err != nil {
		return nil, err
	}
	if buffer.Len() == 0 {
		buffer.Close()
		return nil, fmt.Errorf("%s is empty", path)
	}
	return buffer, nil
}

// listenPort extracts the port from a listen address like ":47400".
// Discovery announces this port, so it must be fixed and shared by the
// whole workspace.
func listenPort(address string) (uint16, error) {
	_, portString, err := net.SplitHostPort(address)
	if err != nil {
		return 0, fmt.Errorf("transports.lan.listen_address: %w", err)
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("transports.lan.listen_address: invalid port %q", portString)
	}
	return uint16(port), nil
}
