// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/arena/lib/service"
)

// DefaultSocketPath is where the daemon listens unless overridden by
// --socket or ARENA_SOCKET.
const DefaultSocketPath = "/run/arena/arena.sock"

// Connection holds the flags every command that talks to the daemon
// shares: where the socket is and who the caller claims to be.
type Connection struct {
	SocketPath string
	Principal  string
	Admin      bool
}

// AddFlags registers the shared connection flags on a flag set.
func (c *Connection) AddFlags(flagSet *pflag.FlagSet) {
	defaultSocket := os.Getenv("ARENA_SOCKET")
	if defaultSocket == "" {
		defaultSocket = DefaultSocketPath
	}
	defaultPrincipal := os.Getenv("ARENA_PRINCIPAL")

	flagSet.StringVar(&c.SocketPath, "socket", defaultSocket, "daemon socket path (or ARENA_SOCKET)")
	flagSet.StringVar(&c.Principal, "principal", defaultPrincipal, "acting principal (or ARENA_PRINCIPAL)")
	flagSet.BoolVar(&c.Admin, "admin", false, "act with admin privileges")
}

// Client builds a service client from the parsed connection flags.
func (c *Connection) Client() *service.Client {
	return service.NewClient(c.SocketPath, service.Caller{
		Principal: c.Principal,
		Admin:     c.Admin,
	})
}
