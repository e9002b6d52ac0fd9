/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"context"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailbridge/server"
)

// Run waits for the shared status of the mailbridged serving statePath and
// writes it to the command output.
func Run(cmd *cobra.Command, statePath string) error {
	status, err := fetchStatus(cmd.Context(), statePath, isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil || status == nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return outputJSON(cmd.OutOrStdout(), status)
	}
	return outputPretty(cmd.OutOrStdout(), status)
}

func fetchStatus(ctx context.Context, statePath string, interactive bool) (*server.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var opts []tea.ProgramOption
	if interactive {
		// Retry messages would break the spinner line.
		log.SetOutput(io.Discard)
	} else {
		opts = []tea.ProgramOption{tea.WithoutRenderer(), tea.WithInput(nil)}
	}

	m := initialModel(ctx, statePath)
	if err := tea.NewProgram(m, opts...).Start(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}

	return m.status, nil
}
