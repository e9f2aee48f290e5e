// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
)

type statusParams struct {
	sessionParams
	json bool
}

func statusCommand() *cli.Command {
	var params statusParams

	return &cli.Command{
		Name:    "status",
		Summary: "Show sync state for this workspace",
		Description: `Show the engine's state: last sync, pending local changes,
unresolved conflicts, key epoch, and cycle statistics.

Exits 1 when the last sync failed or the device needs re-pairing, so
scripts can alert without parsing output.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("status")
			params.bind(flagSet)
			flagSet.BoolVar(&params.json, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			return runStatus(&params)
		},
	}
}

func runStatus(params *statusParams) error {
	ctx := context.Background()
	session, err := openSession(ctx, &params.sessionParams, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	syncState := session.engine.State()
	devices, err := session.engine.Devices()
	if err != nil {
		return err
	}
	trusted := 0
	for _, device := range devices {
		if device.Trusted {
			trusted++
		}
	}

	if params.json {
		return cli.WriteJSON(map[string]any{
			"workspaceId":    session.keyring.WorkspaceID(),
			"deviceId":       session.keyring.DeviceID(),
			"status":         syncState.Status,
			"lastSync":       syncState.LastSync,
			"lastError":      syncState.LastError,
			"pendingChanges": syncState.PendingChanges,
			"conflicts":      syncState.Conflicts,
			"epoch":          syncState.Epoch,
			"needsRePairing": syncState.NeedsRePairing,
			"vectorClock":    syncState.Clock,
			"stats":          syncState.Stats,
			"devicesPaired":  len(devices),
			"devicesTrusted": trusted,
		})
	}

	lastSync := "never"
	if !syncState.LastSync.IsZero() {
		lastSync = syncState.LastSync.Format(time.RFC3339)
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Workspace:\t%s\n", session.keyring.WorkspaceID())
	fmt.Fprintf(tw, "Device:\t%s (%s)\n", session.keyring.DeviceID(), session.cfg.Device.Name)
	fmt.Fprintf(tw, "Status:\t%s\n", syncState.Status)
	fmt.Fprintf(tw, "Last sync:\t%s\n", lastSync)
	if syncState.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", syncState.LastError)
	}
	fmt.Fprintf(tw, "Pending changes:\t%v\n", syncState.PendingChanges)
	fmt.Fprintf(tw, "Conflicts:\t%d\n", syncState.Conflicts)
	fmt.Fprintf(tw, "Key epoch:\t%d\n", syncState.Epoch)
	fmt.Fprintf(tw, "Devices:\t%d trusted / %d paired\n", trusted, len(devices))
	fmt.Fprintf(tw, "Cycles:\t%d total, %d ok, %d failed\n",
		syncState.Stats.Total, syncState.Stats.Success, syncState.Stats.Failed)
	if syncState.NeedsRePairing {
		fmt.Fprintf(tw, "\tre-pairing required: this device was removed from the workspace\n")
	}
	tw.Flush()

	if syncState.NeedsRePairing || syncState.LastError != "" {
		return &cli.ExitError{Code: 1}
	}
	return nil
}
