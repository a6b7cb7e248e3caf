// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the arena CLI command tree.
package commands

import (
	"fmt"

	"github.com/bureau-foundation/arena/cmd/arena/cli"
	"github.com/bureau-foundation/arena/lib/version"
)

// Root returns the top-level arena command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "arena",
		Summary: "Manage ephemeral challenge instances",
		Description: "arena is the CLI for the arena challenge-instance service.\n" +
			"Solvers start, extend, and stop their own instances and submit\n" +
			"flags; operators inspect the fleet, the audit trail, and the\n" +
			"timing policies.",
		Subcommands: []*cli.Command{
			createCommand(),
			extendCommand(),
			stopCommand(),
			statusCommand(),
			submitCommand(),
			listCommand(),
			auditCommand(),
			policyCommand(),
			rotateKeyCommand(),
			serviceStatusCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Printf("arena %s\n", version.Info())
			return nil
		},
	}
}
