// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
)

func trustCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "trust",
		Summary: "Trust a paired device",
		Usage:   "driftsync trust <device-id> [flags]",
		Description: `Grant a paired device access to the workspace: it joins the key
wrap manifest and the LAN allow-list. One side of a mutual pairing
also rotates the sync key, so the new device only ever holds keys
minted after the pairing decision.

Trust only after verifying the device's fingerprint out-of-band.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("trust")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runTrust(&params, args)
		},
	}
}

func runTrust(params *sessionParams, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one device ID argument")
	}

	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	device, err := session.engine.TrustDevice(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("trusted %s (%s); key epoch is now %d\n",
		device.ID, device.Name, session.engine.State().Epoch)
	fmt.Println("run 'driftsync sync' to deliver the key wrap")
	return nil
}

func removeCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "remove",
		Summary: "Revoke a device from the workspace",
		Usage:   "driftsync remove <device-id> [flags]",
		Description: `Revoke a device: rotate the sync key with the device excluded from
the new wrap manifest, then delete it from the registry. The removed
device cannot decrypt anything sealed after the rotation. If the
rotation fails the device is kept, so a removed-but-still-keyed device
cannot exist.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("remove")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runRemove(&params, args)
		},
	}
}

func runRemove(params *sessionParams, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one device ID argument")
	}

	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.engine.RemoveDevice(args[0]); err != nil {
		return err
	}

	fmt.Printf("removed %s; key epoch is now %d\n", args[0], session.engine.State().Epoch)
	fmt.Println("run 'driftsync sync' to publish the rotated key to remaining devices")
	return nil
}
