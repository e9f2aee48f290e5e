// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
	"github.com/driftsync/driftsync/lib/config"
	"github.com/driftsync/driftsync/lib/envelope"
	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/state"
)

type initParams struct {
	sessionParams
	workspaceID string
	deviceName  string
}

func initCommand() *cli.Command {
	var params initParams

	return &cli.Command{
		Name:    "init",
		Summary: "Initialize this device for a workspace",
		Description: `Initialize this device: generate its identity keys and the
workspace sync key, create the state database, and write the config
file.

The config file location comes from --config or DRIFTSYNC_CONFIG. If
the file already exists its settings are kept; otherwise defaults are
written. A fresh workspace ID is generated unless --workspace names an
existing one (the sync key for an existing workspace then arrives via
pairing).`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("init")
			params.bind(flagSet)
			flagSet.StringVar(&params.workspaceID, "workspace", "", "join an existing workspace ID instead of creating one")
			flagSet.StringVar(&params.deviceName, "name", "", "device name (default: hostname)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Create a new workspace",
				Command:     "driftsync init --config ~/.config/driftsync.yaml",
			},
			{
				Description: "Prepare this device to join an existing workspace",
				Command:     "driftsync init --workspace ws-1f6c2a3e --name travel-laptop",
			},
		},
		Run: func(args []string) error {
			return runInit(&params)
		},
	}
}

func runInit(params *initParams) error {
	configPath := params.configPath
	if configPath == "" {
		configPath = os.Getenv("DRIFTSYNC_CONFIG")
	}
	if configPath == "" {
		return fmt.Errorf("no config location; pass --config or set DRIFTSYNC_CONFIG")
	}

	cfg, err := config.LoadFile(configPath)
	if os.IsNotExist(err) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return err
	}

	if params.workspaceID != "" {
		cfg.Workspace.ID = params.workspaceID
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = "ws-" + uuid.NewString()
	}
	if params.deviceName != "" {
		cfg.Device.Name = params.deviceName
	}
	if cfg.Workspace.UserID == "" {
		cfg.Workspace.UserID = os.Getenv("USER")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := cli.NewCommandLogger(params.verbose)
	store, err := state.Open(state.Config{
		Path:        filepath.Join(cfg.Paths.State, stateFile),
		WorkspaceID: cfg.Workspace.ID,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if _, exists, err := store.Material(); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("device is already initialized for workspace %s", cfg.Workspace.ID)
	}

	manager, err := keyring.NewManager(keyring.Options{
		WorkspaceID: cfg.Workspace.ID,
		DeviceID:    uuid.NewString(),
		Algorithm:   envelope.Algorithm(cfg.Crypto.Algorithm),
		KDF:         keyring.KDF(cfg.Crypto.KDF),
		Rotation: keyring.RotationPolicy{
			Enabled:      cfg.Rotation.Enabled,
			IntervalDays: cfg.Rotation.IntervalDays,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	material := manager.Material()
	err = store.SaveMaterial(material)
	material.Zero()
	if err != nil {
		return err
	}

	if err := cfg.Save(configPath); err != nil {
		return err
	}

	fmt.Printf("Workspace:   %s\n", manager.WorkspaceID())
	fmt.Printf("Device:      %s (%s)\n", manager.DeviceID(), cfg.Device.Name)
	fmt.Printf("Fingerprint: %s\n", keyring.Fingerprint(manager.SigningPublicKey()))
	fmt.Printf("Config:      %s\n", configPath)
	fmt.Println("\nNext: pair another device with 'driftsync pair generate'.")
	return nil
}
