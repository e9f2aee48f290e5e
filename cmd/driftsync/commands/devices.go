// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
	"github.com/driftsync/driftsync/lib/keyring"
)

type devicesParams struct {
	sessionParams
	json bool
}

func devicesCommand() *cli.Command {
	var params devicesParams

	return &cli.Command{
		Name:    "devices",
		Summary: "List paired devices",
		Description: `List every device paired into this workspace, trusted or not.
Untrusted devices hold no key material until 'driftsync trust'.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("devices")
			params.bind(flagSet)
			flagSet.BoolVar(&params.json, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			return runDevices(&params)
		},
	}
}

func runDevices(params *devicesParams) error {
	ctx := context.Background()
	session, err := openSession(ctx, &params.sessionParams, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	devices, err := session.engine.Devices()
	if err != nil {
		return err
	}

	if params.json {
		type deviceJSON struct {
			ID          string   `json:"id"`
			Name        string   `json:"name"`
			Type        string   `json:"type,omitempty"`
			Platform    string   `json:"platform,omitempty"`
			Fingerprint string   `json:"fingerprint"`
			Trusted     bool     `json:"trusted"`
			LastSeen    string   `json:"lastSeen,omitempty"`
			Caps        []string `json:"capabilities,omitempty"`
		}
		out := make([]deviceJSON, 0, len(devices))
		for _, device := range devices {
			entry := deviceJSON{
				ID:          device.ID,
				Name:        device.Name,
				Type:        device.Type,
				Platform:    device.Platform,
				Fingerprint: keyring.Fingerprint(device.SigningKey),
				Trusted:     device.Trusted,
				Caps:        device.Capabilities,
			}
			if !device.LastSeen.IsZero() {
				entry.LastSeen = device.LastSeen.UTC().Format("2006-01-02T15:04:05Z")
			}
			out = append(out, entry)
		}
		return cli.WriteJSON(out)
	}

	if len(devices) == 0 {
		fmt.Println("no paired devices; run 'driftsync pair generate' on another device")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPLATFORM\tFINGERPRINT\tTRUSTED\tLAST SEEN")
	for _, device := range devices {
		lastSeen := "-"
		if !device.LastSeen.IsZero() {
			lastSeen = device.LastSeen.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\t%s\n",
			device.ID, device.Name, device.Type, device.Platform,
			keyring.Fingerprint(device.SigningKey), device.Trusted, lastSeen)
	}
	return tw.Flush()
}
