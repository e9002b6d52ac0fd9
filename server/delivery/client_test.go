/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	baseURI, _ := url.Parse(srv.URL)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := New(&Config{
		Logger:     logger,
		BaseURI:    baseURI,
		Token:      "secret",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

func TestDeliverSuccess(t *testing.T) {
	message := "Subject: hi\r\n\r\nbody\r\n..stuffed\r\n"

	c := newTestClient(t, func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost || req.URL.Path != "/mail_delivery/pipe" {
			t.Errorf("unexpected request: %s %s", req.Method, req.URL.Path)
		}
		if got := req.Header.Get("X-Mail-Token"); got != "secret" {
			t.Errorf("token header: got %q", got)
		}
		if got := req.Header.Get("Content-Type"); got != "text/plain" {
			t.Errorf("content type: got %q", got)
		}
		body, _ := io.ReadAll(req.Body)
		if string(body) != message {
			t.Errorf("body: got %q, want %q", body, message)
		}
		io.WriteString(rw, "message accepted")
	})

	text, err := c.Deliver(context.Background(), []byte(message))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "message accepted" {
		t.Errorf("text: got %q", text)
	}
}

func TestDeliverFailureClassification(t *testing.T) {
	for _, tc := range []struct {
		status int
		code   int
	}{
		{http.StatusUnauthorized, 421},
		{http.StatusInternalServerError, 432},
		{http.StatusNotFound, 432},
		{http.StatusBadGateway, 432},
	} {
		status := tc.status
		c := newTestClient(t, func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(status)
			io.WriteString(rw, "nope")
		})

		_, err := c.Deliver(context.Background(), []byte("x"))
		var deliveryErr *Error
		if !errors.As(err, &deliveryErr) {
			t.Fatalf("status %d: expected *Error, got %v", tc.status, err)
		}
		if deliveryErr.Code != tc.code {
			t.Errorf("status %d: code got %d, want %d", tc.status, deliveryErr.Code, tc.code)
		}
		if deliveryErr.StatusCode != tc.status {
			t.Errorf("status %d: status code got %d", tc.status, deliveryErr.StatusCode)
		}
		if deliveryErr.Details != "nope" {
			t.Errorf("status %d: details got %q", tc.status, deliveryErr.Details)
		}
	}
}

func TestDeliverConnectionFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	baseURI, _ := url.Parse(srv.URL)
	httpClient := srv.Client()
	srv.Close()

	c, err := New(&Config{
		Logger:     logrus.New(),
		BaseURI:    baseURI,
		Token:      "secret",
		HTTPClient: httpClient,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Deliver(context.Background(), []byte("x"))
	var deliveryErr *Error
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if deliveryErr.Code != 432 || deliveryErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected classification: %+v", deliveryErr)
	}
}

func TestFetch(t *testing.T) {
	c := newTestClient(t, func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			t.Errorf("method: got %s", req.Method)
		}
		if req.Header.Get("X-Mail-Token") != "secret" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch req.URL.Path {
		case "/mail_delivery/aliases":
			io.WriteString(rw, "a@example.com b@example.com\n")
		case "/mail_delivery/transport":
			io.WriteString(rw, "b@example.com")
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	})

	text, err := c.Fetch(context.Background(), "aliases")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "a@example.com b@example.com\n" {
		t.Errorf("aliases: got %q", text)
	}

	if _, err = c.Fetch(context.Background(), "unknown"); err == nil {
		t.Error("expected error for unknown table")
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(http.StatusUnauthorized, "bad token\nplease retry")
	if got := err.Error(); got != "421 bad token\nplease retry" {
		t.Errorf("Error(): got %q", got)
	}

	reply := err.SMTPError()
	if reply.Code != 421 {
		t.Errorf("reply code: got %d", reply.Code)
	}
	if reply.Message != "bad token please retry (401)" {
		t.Errorf("reply message: got %q", reply.Message)
	}
}

func TestBaseURIFromHost(t *testing.T) {
	u, err := BaseURIFromHost("odoo.example.com:8443")
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != "https://odoo.example.com:8443" {
		t.Errorf("got %q", u.String())
	}

	if _, err := BaseURIFromHost(""); err == nil {
		t.Error("expected error for empty host")
	}
}
