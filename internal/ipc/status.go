/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package ipc shares the status of a running mailbridged with other local
// processes.
package ipc

import (
	"stash.kopano.io/kgol/mailbridge/server"
)

var (
	implStatus statusImpl
)

type statusImpl interface {
	clear() error
	set(*server.Status) error
	get() (*server.Status, error)
}

// MustInitializeStatusSHM initializes the status module using shared memory.
// The shared memory object name is derived from statePath, so daemon and
// status command must use the same state path.
func MustInitializeStatusSHM(statePath, projectID string) {
	if implStatus != nil {
		panic("ipc status already initialized")
	}

	if statePath == "" {
		panic("state path must not be empty")
	}

	implStatus = &shmStatus{
		statePath: statePath,
		projectID: projectID,
	}
}

// ClearStatus removes the shared status.
func ClearStatus() error {
	return implStatus.clear()
}

// SetStatus replaces the shared status.
func SetStatus(status *server.Status) error {
	return implStatus.set(status)
}

// GetStatus reads the shared status.
func GetStatus() (*server.Status, error) {
	return implStatus.get()
}
