// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/arena/cmd/arena/cli"
)

func submitCommand() *cli.Command {
	var conn cli.Connection
	return &cli.Command{
		Name:    "submit",
		Summary: "Submit a flag for an instance",
		Usage:   "arena submit <instance-id> <flag> [flags]",
		Examples: []cli.Example{
			{
				Description: "Submit a captured flag",
				Command:     "arena submit 2f1c... 'ARENA{deadbeefcafe}'",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("submit", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected an instance ID and a flag, got %d arguments", len(args))
			}
			var result struct {
				Correct bool `cbor:"correct"`
			}
			err := conn.Client().Call(context.Background(), "submit_flag",
				map[string]any{"instance_id": args[0], "flag": args[1]}, &result)
			if err != nil {
				return err
			}
			if result.Correct {
				fmt.Println("correct")
				return nil
			}
			fmt.Println("incorrect")
			return nil
		},
	}
}
