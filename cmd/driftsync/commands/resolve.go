// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/cmd/driftsync/cli"
	"github.com/driftsync/driftsync/lib/conflict"
)

func resolveCommand() *cli.Command {
	var params sessionParams

	return &cli.Command{
		Name:    "resolve",
		Summary: "List or resolve sync conflicts",
		Usage:   "driftsync resolve [<conflict-id> <local|remote|merge>] [flags]",
		Description: `Without arguments, list unresolved conflicts with both sides'
values. With a conflict ID and an answer, apply the resolution:

  local    keep this device's value
  remote   adopt the other device's value
  merge    deep-merge both values, remote winning on scalar collisions

The resolved value is applied to the document and synced out on the
next cycle.`,
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("resolve")
			params.bind(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "See pending conflicts",
				Command:     "driftsync resolve",
			},
			{
				Description: "Keep the other device's value",
				Command:     "driftsync resolve 8f14e45f-... remote",
			},
		},
		Run: func(args []string) error {
			return runResolve(&params, args)
		},
	}
}

func runResolve(params *sessionParams, args []string) error {
	ctx := context.Background()
	session, err := openSession(ctx, params, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	switch len(args) {
	case 0:
		return listConflicts(session)
	case 2:
		resolution := conflict.Resolution(args[1])
		if !resolution.Valid() {
			return fmt.Errorf("invalid resolution %q: want local, remote, or merge", args[1])
		}
		if err := session.engine.ResolveConflict(ctx, args[0], resolution); err != nil {
			return err
		}
		fmt.Printf("resolved %s as %s\n", args[0], resolution)
		fmt.Println("run 'driftsync sync' to publish the resolution")
		return nil
	default:
		return fmt.Errorf("expected no arguments (list) or <conflict-id> <resolution>")
	}
}

func listConflicts(session *session) error {
	conflicts, err := session.engine.Conflicts()
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("no unresolved conflicts")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATH\tLOCAL\tREMOTE")
	for _, record := range conflicts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			record.ID, record.Path,
			describeSide(record.Local), describeSide(record.Remote))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d conflict(s); resolve with 'driftsync resolve <id> <local|remote|merge>'\n", len(conflicts))
	return nil
}

// describeSide renders one side's value compactly for the listing,
// with its provenance.
func describeSide(side conflict.Side) string {
	encoded, err := json.Marshal(side.Value)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", side.Value))
	}
	const maxValue = 40
	value := string(encoded)
	if len(value) > maxValue {
		value = value[:maxValue-3] + "..."
	}
	return fmt.Sprintf("%s (%s, %s)", value, side.DeviceID, side.Timestamp.UTC().Format("01-02 15:04"))
}
