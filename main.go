// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/hashicorp/steward/command"
	"github.com/hashicorp/steward/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run runs the CLI with the given arguments and returns the exit code.
func Run(args []string) int {
	c := cli.NewCLI("steward", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(nil)
	c.HelpWriter = os.Stdout

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
