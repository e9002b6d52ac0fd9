/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var (
	DefaultManDir = "man/"
)

// CommandMan returns the command writing one man page per command.
func CommandMan() *cobra.Command {
	manCmd := &cobra.Command{
		Use:   "man [...args]",
		Short: "Generate man pages for mailbridged and its commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return man(cmd, DefaultManDir)
		},
	}

	manCmd.Flags().StringVar(&DefaultManDir, "dir", DefaultManDir, "Directory to write the man pages to, created if missing")

	return manCmd
}

func man(cmd *cobra.Command, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create man page directory: %w", err)
	}

	header := &doc.GenManHeader{
		Title:   "MAILBRIDGED",
		Section: "8",
		Manual:  "Postfix mail bridge",
		Source:  "Kopano",
	}

	root := cmd.Root()
	root.DisableAutoGenTag = true
	root.Use = DefaultRootUse

	return doc.GenManTree(root, header, dir)
}
