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

type auditEntryResult struct {
	Seq         int64          `cbor:"seq" json:"seq"`
	PrincipalID string         `cbor:"principal_id" json:"principal_id,omitempty"`
	InstanceID  string         `cbor:"instance_id" json:"instance_id,omitempty"`
	ChallengeID string         `cbor:"challenge_id" json:"challenge_id,omitempty"`
	Action      string         `cbor:"action" json:"action"`
	Timestamp   string         `cbor:"timestamp" json:"timestamp"`
	Detail      map[string]any `cbor:"detail" json:"detail,omitempty"`
	Hash        string         `cbor:"hash" json:"hash"`
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:    "audit",
		Summary: "Inspect the audit trail (admin)",
		Subcommands: []*cli.Command{
			auditQueryCommand(),
			auditVerifyCommand(),
		},
	}
}

func auditQueryCommand() *cli.Command {
	var conn cli.Connection
	var asJSON bool
	var principalID, instanceID, challengeID, action, after, before string
	var limit int
	return &cli.Command{
		Name:    "query",
		Summary: "Query audit events with filters",
		Usage:   "arena audit query [flags]",
		Examples: []cli.Example{
			{
				Description: "Recent failed extensions for one solver",
				Command:     "arena audit query --principal team-7 --action failed_extend --admin",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("query", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			flagSet.StringVar(&principalID, "principal-id", "", "filter by principal")
			flagSet.StringVar(&instanceID, "instance-id", "", "filter by instance")
			flagSet.StringVar(&challengeID, "challenge-id", "", "filter by challenge")
			flagSet.StringVar(&action, "action", "", "filter by action")
			flagSet.StringVar(&after, "after", "", "events at or after this RFC3339 time")
			flagSet.StringVar(&before, "before", "", "events at or before this RFC3339 time")
			flagSet.IntVar(&limit, "limit", 0, "maximum entries (default 100)")
			return flagSet
		},
		Run: func(args []string) error {
			fields := map[string]any{
				"principal_id": principalID,
				"instance_id":  instanceID,
				"challenge_id": challengeID,
				"action":       action,
				"after":        after,
				"before":       before,
				"limit":        limit,
			}
			var result struct {
				Entries []auditEntryResult `cbor:"entries" json:"entries"`
			}
			err := conn.Client().Call(context.Background(), "audit_query", fields, &result)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(result.Entries)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tACTION\tPRINCIPAL\tINSTANCE\tCHALLENGE")
			for _, entry := range result.Entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					entry.Seq, entry.Timestamp, entry.Action,
					entry.PrincipalID, entry.InstanceID, entry.ChallengeID)
			}
			return tw.Flush()
		},
	}
}

func auditVerifyCommand() *cli.Command {
	var conn cli.Connection
	return &cli.Command{
		Name:    "verify",
		Summary: "Verify the audit hash chain",
		Usage:   "arena audit verify [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			var result struct {
				Intact    bool  `cbor:"intact"`
				BrokenSeq int64 `cbor:"broken_seq"`
			}
			err := conn.Client().Call(context.Background(), "audit_verify", nil, &result)
			if err != nil {
				return err
			}
			if result.Intact {
				fmt.Println("audit chain intact")
				return nil
			}
			return fmt.Errorf("audit chain broken at seq %d", result.BrokenSeq)
		},
	}
}
