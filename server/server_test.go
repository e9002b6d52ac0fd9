/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailbridge/config"
	"stash.kopano.io/kgol/mailbridge/server/tables"
)

const testToken = "secret"

type remote struct {
	mu        sync.Mutex
	delivered []string
	tables    map[string]string
	failing   map[string]bool
	fetches   map[string]int
}

func (r *remote) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Header.Get("X-Mail-Token") != testToken {
		http.Error(rw, "bad token", http.StatusUnauthorized)
		return
	}

	name := strings.TrimPrefix(req.URL.Path, "/mail_delivery/")
	switch {
	case req.Method == http.MethodPost && name == "pipe":
		body, _ := io.ReadAll(req.Body)
		r.delivered = append(r.delivered, string(body))
		io.WriteString(rw, "delivered")
	case req.Method == http.MethodGet:
		if r.fetches == nil {
			r.fetches = make(map[string]int)
		}
		r.fetches[name]++
		if r.failing[name] {
			http.Error(rw, "unavailable", http.StatusBadGateway)
			return
		}
		io.WriteString(rw, r.tables[name])
	default:
		http.NotFound(rw, req)
	}
}

func (r *remote) deliveredBodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func (r *remote) fetchCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[name]
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestConfig(t *testing.T, r *remote) *Config {
	t.Helper()

	ts := httptest.NewTLSServer(r)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	return &Config{
		Logger: testLogger(),

		Mail: &config.Config{
			Host:      ts.Listener.Addr().String(),
			Token:     testToken,
			Aliases:   filepath.Join(dir, "aliases"),
			Transport: filepath.Join(dir, "transport"),
			Socket:    filepath.Join(dir, "lmtp.sock"),
		},
		HTTPClient: ts.Client(),

		WebhookListenAddress: "127.0.0.1:0",
		WebhookPrefix:        "/aliases",
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, f func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(&Config{Logger: testLogger(), EnableLMTP: true}); err == nil {
		t.Error("expected error without mail config")
	}

	cfg := newTestConfig(t, &remote{})
	if _, err := NewServer(cfg); err == nil {
		t.Error("expected error without anything to serve")
	}
}

func TestServerDaemon(t *testing.T) {
	r := &remote{
		tables: map[string]string{
			"aliases":   "a@example.com bob@example.com\n",
			"transport": "bob@example.com\n\nrelay.example.com smtp:[relay]\n",
		},
	}
	cfg := newTestConfig(t, r)
	cfg.EnableLMTP = true
	cfg.EnableWebhook = true
	cfg.SyncOnStart = true

	readyCh := make(chan *Server, 1)
	cfg.OnReady = func(srv *Server) {
		readyCh <- srv
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	deliveredBefore := testutil.ToFloat64(metricDeliveries.WithLabelValues("ok"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	select {
	case <-readyCh:
	case err = <-serveErr:
		t.Fatalf("serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}

	// Startup sync.
	if got := readFile(t, cfg.Mail.Aliases); got != "a@example.com bob@example.com\n" {
		t.Errorf("aliases after sync: got %q", got)
	}
	if got, want := readFile(t, cfg.Mail.Transport), "bob@example.com lmtp:unix:"+cfg.Mail.Socket+"\nrelay.example.com smtp:[relay]\n"; got != want {
		t.Errorf("transport after sync: got %q, want %q", got, want)
	}

	// LMTP delivery.
	conn, err := textproto.Dial("unix", cfg.Mail.Socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	expect := func(code int) {
		t.Helper()
		if _, _, readErr := conn.ReadResponse(code); readErr != nil {
			t.Fatal(readErr)
		}
	}
	expect(220)
	conn.PrintfLine("LHLO example.com")
	expect(250)
	conn.PrintfLine("DATA")
	expect(354)
	w := conn.DotWriter()
	io.WriteString(w, "Subject: hi\n\nbody\n")
	w.Close()
	expect(250)
	conn.PrintfLine("QUIT")
	expect(221)

	if bodies := r.deliveredBodies(); len(bodies) != 1 || bodies[0] != "Subject: hi\r\n\r\nbody\r\n" {
		t.Errorf("delivered: got %q", bodies)
	}
	if got := testutil.ToFloat64(metricDeliveries.WithLabelValues("ok")); got != deliveredBefore+1 {
		t.Errorf("delivery metric: got %v, want %v", got, deliveredBefore+1)
	}

	// Webhook update.
	status, err := srv.Status()
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, "http://"+status.WebhookAddr+"/aliases", strings.NewReader("carol@example.org: [c]\n"))
	req.Header.Set("Content-Type", "application/yaml")
	req.Header.Set("X-Mail-Token", testToken)
	response, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("webhook status: got %d", response.StatusCode)
	}
	if got := readFile(t, cfg.Mail.Aliases); got != "c@example.org carol@example.org\n" {
		t.Errorf("aliases after webhook: got %q", got)
	}

	waitFor(t, "status", func() bool {
		s, _ := srv.Status()
		return s.Delivered == 1 && s.TotalSessions == 1 && s.ActiveSessions == 0 && s.TableWrites == 4
	})
	status, _ = srv.Status()
	if status.StartedAt == nil || status.LastTableUpdate == nil {
		t.Errorf("status timestamps not set: %+v", status)
	}
	if len(status.Modes) != 2 || status.LMTPSocket != cfg.Mail.Socket {
		t.Errorf("status listeners: %+v", status)
	}

	cancel()
	select {
	case err = <-serveErr:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestRefreshTablesSkipsUnavailableRemote(t *testing.T) {
	defer func(d time.Duration) { syncBackoffMin = d }(syncBackoffMin)
	syncBackoffMin = time.Millisecond

	r := &remote{
		tables:  map[string]string{"transport": "bob@example.com\n"},
		failing: map[string]bool{"aliases": true},
	}
	cfg := newTestConfig(t, r)
	cfg.EnableWebhook = true
	cfg.SyncAttempts = 3

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err = srv.RefreshTables(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := r.fetchCount("aliases"); n != 3 {
		t.Errorf("aliases fetch attempts: got %d, want 3", n)
	}
	if _, statErr := os.Stat(cfg.Mail.Aliases); !os.IsNotExist(statErr) {
		t.Errorf("aliases table must not be written: %v", statErr)
	}
	if got, want := readFile(t, cfg.Mail.Transport), "bob@example.com lmtp:unix:"+cfg.Mail.Socket+"\n"; got != want {
		t.Errorf("transport: got %q, want %q", got, want)
	}
}

func TestRefreshTablesWriteFailure(t *testing.T) {
	r := &remote{tables: map[string]string{"aliases": "a@b c@b\n"}}
	cfg := newTestConfig(t, r)
	cfg.EnableWebhook = true
	cfg.Mail.Aliases = filepath.Join(t.TempDir(), "missing", "aliases")

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	failedBefore := testutil.ToFloat64(metricTableWrites.WithLabelValues(tables.Aliases.String(), "failed"))
	if err = srv.RefreshTables(context.Background()); err == nil {
		t.Fatal("expected write error")
	}
	if n := r.fetchCount("aliases"); n != 1 {
		t.Errorf("write failures must not be retried, got %d fetches", n)
	}
	if got := testutil.ToFloat64(metricTableWrites.WithLabelValues(tables.Aliases.String(), "failed")); got != failedBefore+1 {
		t.Errorf("table write metric: got %v, want %v", got, failedBefore+1)
	}
}

func TestServeFailsOnBusyWebhookAddress(t *testing.T) {
	blocker := httptest.NewServer(http.NotFoundHandler())
	defer blocker.Close()

	cfg := newTestConfig(t, &remote{})
	cfg.EnableLMTP = true
	cfg.EnableWebhook = true
	cfg.WebhookListenAddress = blocker.Listener.Addr().String()

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err = srv.Serve(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
	if _, statErr := os.Stat(cfg.Mail.Socket); !os.IsNotExist(statErr) {
		t.Errorf("lmtp socket must be closed again: %v", statErr)
	}
}

func TestStatusCopy(t *testing.T) {
	status := &Status{Modes: []string{"lmtp"}}
	status.apply(&Event{Type: EventSessionStart})
	status.apply(&Event{Type: EventDelivery, Err: io.ErrUnexpectedEOF})
	status.apply(&Event{Type: EventSessionEnd})
	status.apply(&Event{Type: EventSessionEnd})

	s, err := status.Copy()
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalSessions != 1 || s.ActiveSessions != 0 || s.DeliveryFailures != 1 || s.Delivered != 0 {
		t.Errorf("counters: %+v", s)
	}
	if s.LastError != io.ErrUnexpectedEOF.Error() {
		t.Errorf("last error: got %q", s.LastError)
	}
	if len(s.Modes) != 1 || s.Modes[0] != "lmtp" {
		t.Errorf("modes: got %v", s.Modes)
	}

	locked := make(chan struct{})
	go func() {
		s.Lock()
		s.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("copied status is still locked")
	}
}

func TestStatusCountsEventsMissedBySubscribers(t *testing.T) {
	cfg := newTestConfig(t, &remote{})
	cfg.EnableLMTP = true
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.events.Start(ctx)

	// Never read, so the broadcaster drops everything beyond its buffer.
	stalled := srv.events.Subscribe()
	defer srv.events.Unsubscribe(stalled)

	for i := 0; i < 100; i++ {
		srv.publish(newEvent(EventSessionStart))
		srv.publish(newEvent(EventDelivery))
	}

	s, err := srv.Status()
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalSessions != 100 || s.ActiveSessions != 100 || s.Delivered != 100 {
		t.Errorf("counters: total=%d active=%d delivered=%d", s.TotalSessions, s.ActiveSessions, s.Delivered)
	}
}
