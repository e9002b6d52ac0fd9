/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"strings"
	"testing"
	"time"

	"stash.kopano.io/kgol/mailbridge/server"
)

func TestShmStatusName(t *testing.T) {
	a := &shmStatus{statePath: "/var/lib/mailbridge"}
	b := &shmStatus{statePath: "/var/lib/mailbridge"}
	c := &shmStatus{statePath: "/var/lib/other"}

	if a.name() != b.name() {
		t.Errorf("name not stable: %q, %q", a.name(), b.name())
	}
	if a.name() == c.name() {
		t.Errorf("different state paths share name %q", a.name())
	}
	if !strings.HasPrefix(a.name(), "mailbridged-status.") {
		t.Errorf("unexpected name %q", a.name())
	}
	if strings.ContainsAny(a.name(), "/+=") {
		t.Errorf("name not usable as shm object name: %q", a.name())
	}
}

func TestShmStatusRoundTrip(t *testing.T) {
	s := &shmStatus{
		statePath: t.TempDir(),
		projectID: "mailbridged-test",
	}

	startedAt := time.Unix(1600000000, 0).UTC()
	status := &server.Status{
		Modes:         []string{"lmtp", "webhook"},
		LMTPSocket:    "/run/mailbridge.sock",
		StartedAt:     &startedAt,
		TotalSessions: 3,
		Delivered:     2,
		LastError:     "432 gateway timeout",
	}

	if err := s.set(status); err != nil {
		t.Skipf("shared memory not available: %v", err)
	}
	defer s.clear()

	got, err := s.get()
	if err != nil {
		t.Fatal(err)
	}
	if got.LMTPSocket != status.LMTPSocket || got.TotalSessions != 3 || got.Delivered != 2 || got.LastError != status.LastError {
		t.Errorf("status mismatch: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(startedAt) {
		t.Errorf("started at: got %v", got.StartedAt)
	}

	// A shorter payload replaces the previous one.
	if err = s.set(&server.Status{Modes: []string{"lmtp"}}); err != nil {
		t.Fatal(err)
	}
	got, err = s.get()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Modes) != 1 || got.LMTPSocket != "" || got.TotalSessions != 0 {
		t.Errorf("status not replaced: %+v", got)
	}
}
