/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailbridge/internal/ipc"
	"stash.kopano.io/kgol/mailbridge/server"
)

// shareStatus publishes the current server status for the status command.
// Without a snapshot only the modes are shared, so the status command still
// finds a running daemon.
func shareStatus(srv *server.Server, modes []string) {
	logger := srv.Logger()

	s, err := srv.Status()
	if err != nil {
		logger.WithError(err).Errorln("failed to get server status")
		s = &server.Status{Modes: modes}
	}

	if err = ipc.SetStatus(s); err != nil {
		logger.WithError(err).Errorln("failed to share server status")
		return
	}
	logger.WithFields(logrus.Fields{
		"sessions":     s.TotalSessions,
		"delivered":    s.Delivered,
		"table_writes": s.TableWrites,
	}).Debugln("server status shared")
}

func clearStatus() error {
	return ipc.ClearStatus()
}
