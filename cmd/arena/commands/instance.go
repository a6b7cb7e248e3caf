// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/arena/cmd/arena/cli"
)

// instanceResult mirrors the daemon's instance view.
type instanceResult struct {
	InstanceID     string `cbor:"instance_id" json:"instance_id"`
	PrincipalID    string `cbor:"principal_id" json:"principal_id"`
	ChallengeID    string `cbor:"challenge_id" json:"challenge_id"`
	Status         string `cbor:"status" json:"status"`
	CreatedAt      string `cbor:"created_at" json:"created_at"`
	ExpiresAt      string `cbor:"expires_at" json:"expires_at"`
	ExtensionCount int    `cbor:"extension_count" json:"extension_count"`
	LastExtendedAt string `cbor:"last_extended_at" json:"last_extended_at,omitempty"`
}

func printInstance(inst instanceResult) {
	fmt.Printf("instance:   %s\n", inst.InstanceID)
	fmt.Printf("principal:  %s\n", inst.PrincipalID)
	fmt.Printf("challenge:  %s\n", inst.ChallengeID)
	fmt.Printf("status:     %s\n", inst.Status)
	fmt.Printf("created:    %s\n", inst.CreatedAt)
	fmt.Printf("expires:    %s\n", inst.ExpiresAt)
	fmt.Printf("extensions: %d\n", inst.ExtensionCount)
	if inst.LastExtendedAt != "" {
		fmt.Printf("extended:   %s\n", inst.LastExtendedAt)
	}
}

func createCommand() *cli.Command {
	var conn cli.Connection
	var asJSON bool
	return &cli.Command{
		Name:    "create",
		Summary: "Start an instance of a challenge",
		Usage:   "arena create <challenge-id> [flags]",
		Examples: []cli.Example{
			{Description: "Start a heap exploitation instance", Command: "arena create pwn-heap"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one challenge ID, got %d arguments", len(args))
			}
			var result instanceResult
			err := conn.Client().Call(context.Background(), "create",
				map[string]any{"challenge_id": args[0]}, &result)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(result)
			}
			printInstance(result)
			return nil
		},
	}
}

func extendCommand() *cli.Command {
	var conn cli.Connection
	var asJSON bool
	return &cli.Command{
		Name:    "extend",
		Summary: "Extend an instance's deadline",
		Usage:   "arena extend <instance-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("extend", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one instance ID, got %d arguments", len(args))
			}
			var result instanceResult
			err := conn.Client().Call(context.Background(), "extend",
				map[string]any{"instance_id": args[0]}, &result)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(result)
			}
			printInstance(result)
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	var conn cli.Connection
	return &cli.Command{
		Name:    "stop",
		Summary: "Stop an instance and tear down its workload",
		Usage:   "arena stop <instance-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stop", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one instance ID, got %d arguments", len(args))
			}
			var result struct {
				InstanceID string `cbor:"instance_id"`
				Status     string `cbor:"status"`
			}
			err := conn.Client().Call(context.Background(), "stop",
				map[string]any{"instance_id": args[0]}, &result)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", result.InstanceID, result.Status)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	var conn cli.Connection
	var asJSON bool
	return &cli.Command{
		Name:    "status",
		Summary: "Show an instance's state and deadline",
		Usage:   "arena status <instance-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one instance ID, got %d arguments", len(args))
			}
			var result instanceResult
			err := conn.Client().Call(context.Background(), "status",
				map[string]any{"instance_id": args[0]}, &result)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(result)
			}
			printInstance(result)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	var conn cli.Connection
	var asJSON bool
	return &cli.Command{
		Name:    "list",
		Summary: "List active instances (admin)",
		Usage:   "arena list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			var result struct {
				Instances []instanceResult `cbor:"instances" json:"instances"`
			}
			err := conn.Client().Call(context.Background(), "list", nil, &result)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(result.Instances)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tPRINCIPAL\tCHALLENGE\tSTATUS\tEXPIRES\tEXT")
			for _, inst := range result.Instances {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					inst.InstanceID, inst.PrincipalID, inst.ChallengeID,
					inst.Status, inst.ExpiresAt, inst.ExtensionCount)
			}
			return tw.Flush()
		},
	}
}
