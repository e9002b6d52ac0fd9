/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package cmd holds the root command shared by the mailbridge binaries.
package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailbridge/version"
)

// RootCmd is the root command. Binaries set Use and add their sub commands.
var RootCmd = &cobra.Command{
	Short: "Relay mail between a local MTA and a remote mail delivery endpoint",

	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	RootCmd.AddCommand(CommandVersion())
}

// CommandVersion returns the version sub command.
func CommandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version    : %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build date : %s\n", version.BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with : %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
