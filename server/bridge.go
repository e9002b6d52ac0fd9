/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailbridge/config"
	"stash.kopano.io/kgol/mailbridge/server/delivery"
	"stash.kopano.io/kgol/mailbridge/server/tables"
)

// DefaultSyncAttempts is the number of remote fetches tried per table when
// syncing on start.
const DefaultSyncAttempts = 5

var syncBackoffMin = 1 * time.Second

// NewDeliveryClient creates the remote delivery client for cfg.
func NewDeliveryClient(cfg *config.Config, logger logrus.FieldLogger, httpClient *http.Client) (*delivery.Client, error) {
	baseURI, err := delivery.BaseURIFromHost(cfg.Host)
	if err != nil {
		return nil, err
	}

	return delivery.New(&delivery.Config{
		Logger: logger,

		BaseURI:   baseURI,
		Token:     cfg.Token,
		UserAgent: defaultUserAgent,

		HTTPClient: httpClient,
	})
}

// NewTableStore creates the routing table store for cfg, fetching remote
// content through fetcher.
func NewTableStore(cfg *config.Config, logger logrus.FieldLogger, fetcher tables.Fetcher) (*tables.Store, error) {
	return tables.New(&tables.Config{
		Logger:  logger,
		Fetcher: fetcher,

		AliasesPath:   cfg.Aliases,
		TransportPath: cfg.Transport,
		SocketPath:    cfg.Socket,
		Postmap:       cfg.Postmap,
	})
}

// Deliver relays a message body received over LMTP to the remote endpoint.
func (server *Server) Deliver(ctx context.Context, body []byte) error {
	start := time.Now()
	text, err := server.client.Deliver(ctx, body)
	metricDeliveryDuration.Observe(time.Since(start).Seconds())
	metricDeliveries.WithLabelValues(resultLabel(err)).Inc()

	event := newEvent(EventDelivery)
	event.Err = err
	server.publish(event)

	if err != nil {
		return err
	}

	server.logger.WithField("response", strings.TrimSpace(text)).Debugln("message delivered")
	return nil
}

// WriteTable replaces a routing table with data received by the webhook.
func (server *Server) WriteTable(ctx context.Context, kind tables.Kind, data []byte) error {
	err := server.store.Write(ctx, kind, data)
	server.tableWritten(kind, err)

	return err
}

// RefreshTables replaces both routing tables with their remote content.
// Remote fetch failures are retried and eventually skipped, local write
// failures are returned.
func (server *Server) RefreshTables(ctx context.Context) error {
	for _, kind := range []tables.Kind{tables.Aliases, tables.Transport} {
		if err := server.refreshTable(ctx, kind); err != nil {
			return fmt.Errorf("failed to refresh %v table: %w", kind, err)
		}
	}

	return nil
}

func (server *Server) refreshTable(ctx context.Context, kind tables.Kind) error {
	logger := server.logger.WithField("table", kind)

	attempts := server.config.SyncAttempts
	if attempts <= 0 {
		attempts = DefaultSyncAttempts
	}

	bo := &backoff.Backoff{
		Min:    syncBackoffMin,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		err := server.store.Refresh(ctx, kind)

		var fetchErr *delivery.Error
		if err == nil || !errors.As(err, &fetchErr) {
			server.tableWritten(kind, err)
			if err == nil {
				logger.Infoln("table refreshed from remote")
			}
			return err
		}

		if attempt >= attempts {
			logger.WithError(err).WithField("attempts", attempt).Warnln("failed to fetch table, skipped")
			return nil
		}

		delay := bo.Duration()
		logger.WithError(err).WithField("retry_in", delay).Debugln("failed to fetch table")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (server *Server) tableWritten(kind tables.Kind, err error) {
	metricTableWrites.WithLabelValues(kind.String(), resultLabel(err)).Inc()

	event := newEvent(EventTableWrite)
	event.Table = kind.String()
	event.Err = err
	server.publish(event)
}
