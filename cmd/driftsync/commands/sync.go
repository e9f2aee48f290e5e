// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
)

func syncCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "sync",
		Summary: "Run one sync cycle now",
		Description: `Run one full sync cycle: download peer envelopes, merge them into
the local document, apply the result, and upload the merged snapshot.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("sync")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runSync(&params)
		},
	}
}

func runSync(params *sessionParams) error {
	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.engine.SyncNow(ctx); err != nil {
		return err
	}

	syncState := session.engine.State()
	fmt.Printf("sync complete: epoch %d, %d unresolved conflict(s)\n",
		syncState.Epoch, syncState.Conflicts)
	if syncState.Conflicts > 0 {
		fmt.Println("run 'driftsync resolve' to review conflicts")
	}
	return nil
}

func runCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "run",
		Summary: "Run the sync engine until interrupted",
		Description: `Run the engine in the foreground: periodic background sync per
sync.auto_sync_interval, immediate cycles when LAN peers announce
changes, and scheduled key rotation. Stops cleanly on SIGINT/SIGTERM.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("run")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runForeground(&params)
		},
	}
}

func runForeground(params *sessionParams) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	// One immediate cycle so startup converges before the first tick.
	if err := session.engine.SyncNow(ctx); err != nil {
		session.logger.Warn("initial sync failed", "error", err)
	}

	fmt.Printf("driftsync running for workspace %s (ctrl-c to stop)\n",
		session.keyring.WorkspaceID())

	err = session.engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Println("stopped")
		return nil
	}
	return err
}
