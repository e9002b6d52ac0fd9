/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package relay implements the one shot commands run by the MTA.
package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/common"
	"stash.kopano.io/kgol/mailbridge/server"
	"stash.kopano.io/kgol/mailbridge/server/tables"
)

// HTTPClient is used for remote requests, nil selects the default client.
var HTTPClient *http.Client

// CommandPipe returns the command delivering a message read from stdin.
func CommandPipe() *cobra.Command {
	return &cobra.Command{
		Use:   "pipe",
		Short: "Deliver the message read from stdin to the remote",
		Long: `Deliver the message read from stdin to the remote.

On success the remote response is printed as "100 <response>". On failure
the error is printed to stderr starting with its status code (200, 421 or
432) and the command exits with 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipe(cmd, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func pipe(cmd *cobra.Command, in io.Reader, out io.Writer) error {
	logger, cfg, err := common.Bootstrap(cmd)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	client, err := server.NewDeliveryClient(cfg, logger, HTTPClient)
	if err != nil {
		return err
	}

	text, err := client.Deliver(context.Background(), body)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "100 %s\n", strings.TrimRight(text, "\r\n"))
	return err
}

// CommandAliases returns the command replacing the alias table with its
// remote content.
func CommandAliases() *cobra.Command {
	return commandRefresh(tables.Aliases, "Replace the alias table with its remote content")
}

// CommandTransport returns the command replacing the transport table with its
// remote content.
func CommandTransport() *cobra.Command {
	return commandRefresh(tables.Transport, "Replace the transport table with its remote content, routing bare entries to the LMTP socket")
}

func commandRefresh(kind tables.Kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   kind.String(),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return refresh(cmd, kind)
		},
	}
}

func refresh(cmd *cobra.Command, kind tables.Kind) error {
	logger, cfg, err := common.Bootstrap(cmd)
	if err != nil {
		return err
	}

	client, err := server.NewDeliveryClient(cfg, logger, HTTPClient)
	if err != nil {
		return err
	}
	store, err := server.NewTableStore(cfg, logger, client)
	if err != nil {
		return err
	}

	if err = store.Refresh(context.Background(), kind); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"table": kind,
		"path":  store.Path(kind),
	}).Infoln("table refreshed from remote")

	return nil
}
