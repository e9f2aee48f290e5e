// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
	"github.com/driftsync/driftsync/lib/configtree"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:    "config",
		Summary: "Read and edit the synced workspace document",
		Description: `Read and edit the synced workspace document (not the driftsync.yaml
settings file). Edits are stamped with this device's identity and
synced out on the next cycle.`,
		Subcommands: []*cli.Command{
			configGetCommand(),
			configSetCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Set a preference (values parse as JSON, falling back to string)",
				Command:     `driftsync config set preferences.theme dark`,
			},
			{
				Description: "Read a whole section",
				Command:     "driftsync config get preferences",
			},
		},
	}
}

func configGetCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "get",
		Summary: "Print a value from the workspace document",
		Usage:   "driftsync config get <path> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("config get")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runConfigGet(&params, args)
		},
	}
}

func runConfigGet(params *sessionParams, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one dotted path argument")
	}

	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	tree, _, err := session.configs.Snapshot(ctx)
	if err != nil {
		return err
	}
	value, ok := tree.Get(args[0])
	if !ok {
		return fmt.Errorf("no value at %q", args[0])
	}
	return cli.WriteJSON(value)
}

func configSetCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "set",
		Summary: "Set a value in the workspace document",
		Usage:   "driftsync config set <path> <value> [flags]",
		Description: `Set a dotted path in the workspace document. The value is parsed
as JSON (numbers, booleans, objects, arrays); anything that does not
parse is stored as a plain string.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("config set")
			params.bind(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return runConfigSet(&params, args)
		},
	}
}

func runConfigSet(params *sessionParams, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <path> and <value> arguments")
	}

	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	var value any
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		value = args[1]
	}

	meta := configtree.Meta{
		Timestamp: time.Now().UTC(),
		DeviceID:  session.keyring.DeviceID(),
		UserID:    session.cfg.Workspace.UserID,
	}
	section, err := session.configs.Set(ctx, args[0], value, meta)
	if err != nil {
		return err
	}
	if err := session.engine.NoteLocalChange(ctx); err != nil {
		return err
	}

	fmt.Printf("updated %s (section %q); run 'driftsync sync' to publish\n", args[0], section)
	return nil
}
