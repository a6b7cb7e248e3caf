// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/bureau-foundation/arena/cmd/arena/commands"
	"github.com/bureau-foundation/arena/lib/process"
)

func main() {
	if err := commands.Root().Execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}
