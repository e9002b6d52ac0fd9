/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"os"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
)

// NotifyReady signals readiness to the process supervisor. A positive
// readyFd gets a newline written and is closed (s6 style), systemdNotify
// sends READY=1 via sd_notify.
func NotifyReady(logger logrus.FieldLogger, readyFd int, systemdNotify bool) {
	if readyFd > 0 {
		if err := notifyFd(readyFd); err != nil {
			logger.WithError(err).WithField("fd", readyFd).Errorln("failed to signal readiness")
		} else {
			logger.WithField("fd", readyFd).Debugln("readiness signaled")
		}
	}

	if systemdNotify {
		ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
		logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
		if notifyErr != nil {
			logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
		}
	}
}

func notifyFd(fd int) error {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("ready-fd-%d", fd))
	if f == nil {
		return fmt.Errorf("invalid file descriptor %d", fd)
	}
	defer f.Close()

	_, err := f.Write([]byte("\n"))
	return err
}
