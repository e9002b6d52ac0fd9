/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/common"
	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/serve"
	"stash.kopano.io/kgol/mailbridge/internal/ipc"
)

// CommandStatus returns the command showing the status shared by a running
// mailbridged.
func CommandStatus() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status [...args]",
		Short: "Show sessions, deliveries and table updates of the running mailbridged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return status(cmd, args)
		},
	}

	statusCmd.Flags().StringVar(&serve.DefaultStatePath, "state-path", serve.DefaultStatePath, "Full path to writable state directory")
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	statusCmd.Flags().IntVar(&DefaultFetchAttempts, "attempts", DefaultFetchAttempts, "Number of attempts to read the status before giving up")

	return statusCmd
}

func status(cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	if DefaultFetchAttempts < 1 {
		return fmt.Errorf("attempts must be at least 1")
	}

	statePath, err := filepath.Abs(serve.DefaultStatePath)
	if err != nil {
		return fmt.Errorf("state-path invalid: %w", err)
	}

	ipc.MustInitializeStatusSHM(statePath, "")

	err = Run(cmd, statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("failed to fetch status, is mailbridged running?")
		}
	}
	return err
}
