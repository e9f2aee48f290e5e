// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete driftsync CLI command tree.
package commands

import (
	"fmt"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
	"github.com/driftsync/driftsync/lib/version"
)

// Root builds and returns the complete driftsync CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "driftsync",
		Description: `Driftsync: local-first encrypted configuration sync.

Keep a workspace's configuration document converged across your
devices. Every device holds the full document; changes travel as
end-to-end encrypted envelopes over cloud blob storage, the local
network, or plain files. No server ever sees plaintext or keys.`,
		Subcommands: []*cli.Command{
			initCommand(),
			statusCommand(),
			syncCommand(),
			runCommand(),
			devicesCommand(),
			pairCommand(),
			trustCommand(),
			removeCommand(),
			rotateCommand(),
			resolveCommand(),
			exportCommand(),
			importCommand(),
			configCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("driftsync %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Initialize a new workspace on this device",
				Command:     "driftsync init --config ~/.config/driftsync.yaml",
			},
			{
				Description: "Pair a second device (run generate there, accept here)",
				Command:     "driftsync pair accept payload.json",
			},
			{
				Description: "Trust the paired device so it receives the sync key",
				Command:     "driftsync trust 1f6c2a3e-...",
			},
			{
				Description: "Run one sync cycle now",
				Command:     "driftsync sync",
			},
			{
				Description: "Stay online: background sync, LAN push, key rotation",
				Command:     "driftsync run",
			},
			{
				Description: "See and answer pending conflicts",
				Command:     "driftsync resolve",
			},
		},
	}
}
