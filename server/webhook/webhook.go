/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"stash.kopano.io/kgol/mailbridge/server/tables"
	"stash.kopano.io/kgol/mailbridge/utils"
)

const (
	// ContentType is the only accepted request media type.
	ContentType = "application/yaml"

	// TokenHeader carries the shared secret.
	TokenHeader = "X-Mail-Token"

	// DefaultPrefix is the default request path.
	DefaultPrefix = "/aliases"

	// DefaultMaxBodyBytes limits the size of a routing document.
	DefaultMaxBodyBytes = 10 * 1024 * 1024

	// DefaultWriteTimeout bounds replacing both tables of one request.
	DefaultWriteTimeout = 2 * time.Minute
)

// TableWriter replaces a routing table.
type TableWriter interface {
	WriteTable(ctx context.Context, kind tables.Kind, data []byte) error
}

// Document maps accounts (user@domain) to their alias local parts.
type Document map[string][]string

// Config bundles webhook configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	Token  string
	Prefix string

	// SocketPath is the LMTP socket announced in transport entries.
	SocketPath string

	Writer TableWriter

	MaxBodyBytes int64

	// WriteTimeout bounds the table writes of a request. The writes are not
	// bound to the request, so a client going away never leaves the tables
	// half replaced.
	WriteTimeout time.Duration
}

// Webhook receives routing documents over HTTP and replaces the routing
// tables with their content.
type Webhook struct {
	config *Config
	logger logrus.FieldLogger

	router     *httprouter.Router
	httpServer *http.Server

	inShutdown utils.AtomicBool
}

// New creates a webhook.
func New(config *Config) (*Webhook, error) {
	if config.Writer == nil {
		return nil, errors.New("webhook: writer must not be nil")
	}
	if config.Token == "" {
		return nil, errors.New("webhook: token must not be empty")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if !strings.HasPrefix(config.Prefix, "/") || strings.ContainsAny(config.Prefix, ":*") {
		return nil, fmt.Errorf("webhook: invalid prefix %q", config.Prefix)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	wh := &Webhook{
		config: config,
		logger: config.Logger.WithFields(logrus.Fields{
			"scope": "webhook",
		}),
	}

	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = false
	router.HandleOPTIONS = false
	router.NotFound = http.HandlerFunc(http.NotFound)
	router.POST(config.Prefix, wh.handleUpdate)
	wh.router = router

	wh.httpServer = &http.Server{
		Handler:           wh,
		ReadHeaderTimeout: 30 * time.Second,
	}

	return wh, nil
}

// ServeHTTP implements http.Handler.
func (wh *Webhook) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	wh.router.ServeHTTP(rw, req)
}

// Serve accepts HTTP requests on the Listener l until Shutdown is called.
func (wh *Webhook) Serve(l net.Listener) error {
	err := wh.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) && wh.inShutdown.IsSet() {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (wh *Webhook) Shutdown(ctx context.Context) error {
	wh.inShutdown.SetTrue()
	return wh.httpServer.Shutdown(ctx)
}

func (wh *Webhook) handleUpdate(rw http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	logger := wh.logger.WithField("remote_addr", req.RemoteAddr)

	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || mediaType != ContentType {
		logger.WithField("content_type", req.Header.Get("Content-Type")).Warnln("webhook request with unsupported content type")
		http.Error(rw, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Header.Get(TokenHeader)), []byte(wh.config.Token)) != 1 {
		logger.Warnln("webhook request with invalid token")
		http.Error(rw, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	doc, err := ParseDocument(http.MaxBytesReader(rw, req.Body, wh.config.MaxBodyBytes))
	if err != nil {
		logger.WithError(err).Warnln("webhook request with invalid document")
		http.Error(rw, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	aliases, transport := BuildTables(doc, wh.config.SocketPath)

	ctx, cancel := context.WithTimeout(context.Background(), wh.config.WriteTimeout)
	defer cancel()

	for _, table := range []struct {
		kind tables.Kind
		data []byte
	}{
		{tables.Aliases, aliases},
		{tables.Transport, transport},
	} {
		if err = wh.config.Writer.WriteTable(ctx, table.kind, table.data); err != nil {
			logger.WithError(err).WithField("table", table.kind).Errorln("webhook failed to replace table")
			http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	logger.WithField("accounts", len(doc)).Infoln("routing tables updated")
	rw.WriteHeader(http.StatusOK)
}

// ParseDocument decodes a YAML routing document. An empty body yields an
// empty document.
func ParseDocument(r io.Reader) (Document, error) {
	doc := Document{}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse routing document: %w", err)
	}
	return doc, nil
}

// BuildTables renders the alias and transport tables of doc. Accounts are
// sorted, so equal documents always render equal tables.
func BuildTables(doc Document, socketPath string) (aliases []byte, transport []byte) {
	accounts := make([]string, 0, len(doc))
	for account := range doc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	var a, t strings.Builder
	for _, account := range accounts {
		domain, _ := utils.GetDomainFromEmail(account)
		for _, alias := range doc[account] {
			fmt.Fprintf(&a, "%s@%s %s\n", alias, domain, account)
		}
		fmt.Fprintf(&t, "%s lmtp:unix:%s\n", account, socketPath)
	}

	return []byte(a.String()), []byte(t.String())
}
