// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/arena/cmd/arena/cli"
)

func rotateKeyCommand() *cli.Command {
	var conn cli.Connection
	return &cli.Command{
		Name:    "rotate-key",
		Summary: "Rotate the flag encryption key (admin)",
		Usage:   "arena rotate-key [flags]",
		Description: "Rotate the vault's encryption key. New flags are encrypted\n" +
			"under the new key; existing credentials stay valid because\n" +
			"retired keys are kept for decryption.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("rotate-key", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			var result struct {
				KeyID int64 `cbor:"key_id"`
			}
			err := conn.Client().Call(context.Background(), "rotate_key", nil, &result)
			if err != nil {
				return err
			}
			fmt.Printf("rotated to key %d\n", result.KeyID)
			return nil
		},
	}
}

func serviceStatusCommand() *cli.Command {
	var conn cli.Connection
	var asJSON bool
	return &cli.Command{
		Name:    "service-status",
		Summary: "Show daemon health (admin)",
		Usage:   "arena service-status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("service-status", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			var result struct {
				Version         string `cbor:"version" json:"version"`
				ActiveInstances int    `cbor:"active_instances" json:"active_instances"`
				AuditDropped    uint64 `cbor:"audit_dropped" json:"audit_dropped"`
			}
			err := conn.Client().Call(context.Background(), "service_status", nil, &result)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(result)
			}
			fmt.Printf("version:          %s\n", result.Version)
			fmt.Printf("active instances: %d\n", result.ActiveInstances)
			fmt.Printf("audit dropped:    %d\n", result.AuditDropped)
			return nil
		},
	}
}
