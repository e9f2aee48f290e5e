// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
)

func rotateCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "rotate",
		Summary: "Rotate the workspace sync key now",
		Description: `Rotate the workspace sync key immediately, bumping the epoch and
re-wrapping for every trusted device. Peers adopt the new key from the
wrap manifest of the next envelope they receive; envelopes sealed under
older epochs are rejected afterwards.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("rotate")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runRotate(&params)
		},
	}
}

func runRotate(params *sessionParams) error {
	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.engine.RotateEncryptionKey(); err != nil {
		return err
	}

	fmt.Printf("rotated; key epoch is now %d\n", session.engine.State().Epoch)
	fmt.Println("run 'driftsync sync' to publish the new key wraps")
	return nil
}
