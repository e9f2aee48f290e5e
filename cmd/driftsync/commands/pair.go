// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/pairing"
)

func pairCommand() *cli.Command {
	return &cli.Command{
		Name:    "pair",
		Summary: "Exchange pairing payloads with another device",
		Description: `Pair devices by exchanging signed payloads out-of-band.

On the new device, 'pair generate' prints a short-lived signed JSON
payload (QR code, paste, file). On an existing device, 'pair accept'
verifies it and records the device as paired-but-untrusted. Pairing is
mutual: run generate/accept in both directions, then 'driftsync trust'
on each side.`,
		Subcommands: []*cli.Command{
			pairGenerateCommand(),
			pairAcceptCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "On the new device: produce a payload",
				Command:     "driftsync pair generate > payload.json",
			},
			{
				Description: "On the existing device: accept it",
				Command:     "driftsync pair accept payload.json",
			},
		},
	}
}

func pairGenerateCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "generate",
		Summary: "Print a signed pairing payload for this device",
		Description: fmt.Sprintf(`Print a signed pairing payload for this device to stdout. The
payload expires after %s and its one-time token is rejected on replay.`, pairing.PayloadTTL),
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("pair generate")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runPairGenerate(&params)
		},
	}
}

func runPairGenerate(params *sessionParams) error {
	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	device := session.cfg.Device
	payload, err := session.engine.GeneratePairingPayload(
		device.Name, device.Type, device.Platform, device.Capabilities)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "payload expires at %s\n", payload.ExpiresAt.Format("15:04:05"))
	return nil
}

func pairAcceptCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "accept",
		Summary: "Accept a pairing payload from another device",
		Usage:   "driftsync pair accept <payload-file | -> [flags]",
		Description: `Verify a pairing payload (signature, expiry, one-time token) and
record the device as paired. Reads from the named file, or stdin
when the argument is "-".

The device stays untrusted — it receives no key material — until you
confirm its fingerprint and run 'driftsync trust'.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("pair accept")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runPairAccept(&params, args)
		},
	}
}

func runPairAccept(params *sessionParams, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one payload file argument (or \"-\" for stdin)")
	}

	var raw []byte
	var err error
	if args[0] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	device, err := session.engine.ProcessPairingPayload(raw)
	if err != nil {
		return err
	}

	fmt.Printf("paired %s (%s)\n", device.ID, device.Name)
	fmt.Printf("fingerprint: %s\n", keyring.Fingerprint(device.SigningKey))
	fmt.Printf("\nVerify the fingerprint on the other device, then run:\n")
	fmt.Printf("  driftsync trust %s\n", device.ID)
	return nil
}
