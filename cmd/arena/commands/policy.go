// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/arena/cmd/arena/cli"
)

func policyCommand() *cli.Command {
	return &cli.Command{
		Name:    "policy",
		Summary: "Manage timing policies (admin)",
		Subcommands: []*cli.Command{
			policySetDefaultCommand(),
			policySetOverrideCommand(),
			policyRemoveOverrideCommand(),
		},
	}
}

// policyFlags is the duration-string form shared by the set
// subcommands.
type policyFlags struct {
	baseRuntime        string
	extensionIncrement string
	maxExtensions      int
	maxLifetime        string
}

func (p *policyFlags) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.baseRuntime, "base-runtime", "", "initial lifetime (e.g. 15m)")
	flagSet.StringVar(&p.extensionIncrement, "extension-increment", "", "time added per extension (e.g. 15m)")
	flagSet.IntVar(&p.maxExtensions, "max-extensions", 0, "extensions allowed per instance")
	flagSet.StringVar(&p.maxLifetime, "max-lifetime", "", "hard lifetime cap (e.g. 90m)")
}

func (p *policyFlags) fields() map[string]any {
	return map[string]any{
		"base_runtime":        p.baseRuntime,
		"extension_increment": p.extensionIncrement,
		"max_extensions":      p.maxExtensions,
		"max_lifetime":        p.maxLifetime,
	}
}

func policySetDefaultCommand() *cli.Command {
	var conn cli.Connection
	var pol policyFlags
	return &cli.Command{
		Name:    "set-default",
		Summary: "Replace the default timing policy",
		Usage:   "arena policy set-default [flags]",
		Examples: []cli.Example{
			{
				Description: "Contest settings: 15 minute base, five 15 minute extensions",
				Command:     "arena policy set-default --base-runtime 15m --extension-increment 15m --max-extensions 5 --max-lifetime 90m --admin",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set-default", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			pol.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			var result struct {
				Updated bool `cbor:"updated"`
			}
			err := conn.Client().Call(context.Background(), "policy_set_default",
				pol.fields(), &result)
			if err != nil {
				return err
			}
			fmt.Println("default policy updated")
			return nil
		},
	}
}

func policySetOverrideCommand() *cli.Command {
	var conn cli.Connection
	var pol policyFlags
	return &cli.Command{
		Name:    "set-override",
		Summary: "Set a per-challenge timing policy",
		Usage:   "arena policy set-override <challenge-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set-override", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			pol.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one challenge ID, got %d arguments", len(args))
			}
			fields := pol.fields()
			fields["challenge_id"] = args[0]
			var result struct {
				Updated bool `cbor:"updated"`
			}
			err := conn.Client().Call(context.Background(), "policy_set_override",
				fields, &result)
			if err != nil {
				return err
			}
			fmt.Printf("policy override set for %s\n", args[0])
			return nil
		},
	}
}

func policyRemoveOverrideCommand() *cli.Command {
	var conn cli.Connection
	return &cli.Command{
		Name:    "remove-override",
		Summary: "Remove a per-challenge timing policy",
		Usage:   "arena policy remove-override <challenge-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove-override", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one challenge ID, got %d arguments", len(args))
			}
			var result struct {
				Updated bool `cbor:"updated"`
			}
			err := conn.Client().Call(context.Background(), "policy_remove_override",
				map[string]any{"challenge_id": args[0]}, &result)
			if err != nil {
				return err
			}
			fmt.Printf("policy override removed for %s\n", args[0])
			return nil
		},
	}
}
