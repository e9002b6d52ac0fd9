/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package main

import (
	"fmt"
	"os"

	"stash.kopano.io/kgol/mailbridge/cmd"
	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/common"
	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/gen"
	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/relay"
	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/serve"
	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/status"
)

func main() {
	cmd.RootCmd.Use = "mailbridged"

	common.AddPersistentFlags(cmd.RootCmd)

	cmd.RootCmd.AddCommand(relay.CommandPipe())
	cmd.RootCmd.AddCommand(relay.CommandAliases())
	cmd.RootCmd.AddCommand(relay.CommandTransport())
	cmd.RootCmd.AddCommand(serve.CommandLMTP())
	cmd.RootCmd.AddCommand(serve.CommandWebhook())
	cmd.RootCmd.AddCommand(serve.CommandDaemon())
	cmd.RootCmd.AddCommand(status.CommandStatus())
	cmd.RootCmd.AddCommand(gen.CommandGen())

	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(common.ExitCode(err))
	}
}
