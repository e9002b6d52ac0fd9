/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/mailbridge/server"
)

func testStatus() *server.Status {
	started := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	return &server.Status{
		Modes:            []string{"lmtp", "webhook"},
		LMTPSocket:       "/var/spool/postfix/private/mailbridge-lmtp",
		WebhookAddr:      ":8000",
		StartedAt:        &started,
		ActiveSessions:   1,
		TotalSessions:    7,
		Delivered:        5,
		DeliveryFailures: 2,
		TableWrites:      4,
	}
}

func TestOutputPretty(t *testing.T) {
	var b bytes.Buffer
	if err := outputPrettyWithProfile(&b, testStatus(), termenv.Ascii); err != nil {
		t.Fatal(err)
	}
	out := b.String()

	for _, expected := range []string{
		"modes: lmtp, webhook\n",
		"  started: 2021-06-01 12:00:00 UTC\n",
		"  lmtp: /var/spool/postfix/private/mailbridge-lmtp\n",
		"  webhook: :8000\n",
		"sessions: 1 active, 7 total\n",
		"deliveries: 5 ok, 2 failed\n",
		"tables: 4 written, 0 failed\n",
	} {
		if !strings.Contains(out, expected) {
			t.Errorf("output lacks %q:\n%s", expected, out)
		}
	}
	for _, unexpected := range []string{"metrics:", "last update:", "last error:"} {
		if strings.Contains(out, unexpected) {
			t.Errorf("output contains %q:\n%s", unexpected, out)
		}
	}
}

func TestOutputJSON(t *testing.T) {
	var b bytes.Buffer
	if err := outputJSON(&b, testStatus()); err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(b.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["delivery_failures"] != float64(2) {
		t.Errorf("unexpected delivery_failures %v", decoded["delivery_failures"])
	}
	if _, ok := decoded["metrics_addr"]; ok {
		t.Error("empty metrics_addr not omitted")
	}
	if _, ok := decoded["RWMutex"]; ok {
		t.Error("lock must not be serialized")
	}
}

func TestOutputJSONDurations(t *testing.T) {
	s := testStatus()
	updated := s.StartedAt.Add(time.Minute)
	s.LastTableUpdate = &updated

	var b bytes.Buffer
	if err := outputJSONAt(&b, s, s.StartedAt.Add(90*time.Second)); err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(b.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["uptime_seconds"] != float64(90) {
		t.Errorf("uptime: got %v", decoded["uptime_seconds"])
	}
	if decoded["tables_updated_seconds_ago"] != float64(30) {
		t.Errorf("table update age: got %v", decoded["tables_updated_seconds_ago"])
	}
	if decoded["total_sessions"] != float64(7) {
		t.Errorf("status fields not inlined: %v", decoded)
	}
}

func TestModelFetchRetries(t *testing.T) {
	calls := 0
	m := initialModel(context.Background(), "/var/lib/mailbridged")
	m.attempts = 3
	m.getStatus = func() (*server.Status, error) {
		calls++
		if calls < 3 {
			return nil, os.ErrNotExist
		}
		return testStatus(), nil
	}

	msg := m.fetch(1, 0)()
	for i := 0; i < 2; i++ {
		next, ok := msg.(attemptMsg)
		if !ok {
			t.Fatalf("expected retry, got %T", msg)
		}
		_, cmd := m.Update(next)
		if !strings.Contains(m.View(), "attempt") {
			t.Errorf("view lacks attempt: %q", m.View())
		}
		msg = cmd()
	}
	if _, ok := msg.(statusMsg); !ok {
		t.Fatalf("expected status, got %T", msg)
	}
	if calls != 3 {
		t.Errorf("expected 3 reads, got %d", calls)
	}
}

func TestModelFetchGivesUp(t *testing.T) {
	m := initialModel(context.Background(), "/var/lib/mailbridged")
	m.attempts = 1
	m.getStatus = func() (*server.Status, error) {
		return nil, os.ErrNotExist
	}

	msg := m.fetch(1, 0)()
	err, ok := msg.(errMsg)
	if !ok || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist error, got %v", msg)
	}
}
