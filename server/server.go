/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailbridge/server/delivery"
	"stash.kopano.io/kgol/mailbridge/server/lmtp"
	"stash.kopano.io/kgol/mailbridge/server/tables"
	"stash.kopano.io/kgol/mailbridge/server/webhook"
	"stash.kopano.io/kgol/mailbridge/utils"
)

// Server runs the LMTP relay and the routing table webhook.
type Server struct {
	config *Config

	logger logrus.FieldLogger

	client *delivery.Client
	store  *tables.Store

	LMTP    *lmtp.Server
	Webhook *webhook.Webhook

	events *utils.Broadcaster
	status *Status

	notifyMutex sync.Mutex
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	if c.Mail == nil {
		return nil, errors.New("server: mail config must not be nil")
	}
	if !c.EnableLMTP && !c.EnableWebhook {
		return nil, errors.New("server: nothing to serve")
	}

	s := &Server{
		config: c,
		logger: c.Logger,

		events: utils.NewBroadcaster(),
		status: &Status{},
	}

	var err error
	s.client, err = NewDeliveryClient(c.Mail, s.logger, c.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery client: %w", err)
	}
	s.store, err = NewTableStore(c.Mail, s.logger, s.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create table store: %w", err)
	}

	if c.EnableLMTP {
		s.LMTP, err = lmtp.New(&lmtp.Config{
			Logger:    s.logger,
			Deliverer: s,

			ReadTimeout: c.LMTPReadTimeout,

			Debug:    c.Debug,
			DumpPath: c.DumpPath,

			OnSessionStart: func(session *lmtp.Session) {
				metricSessions.Inc()
				metricSessionsActive.Inc()
				event := newEvent(EventSessionStart)
				event.SessionID = session.ID()
				s.publish(event)
			},
			OnSessionEnd: func(session *lmtp.Session) {
				metricSessionsActive.Dec()
				event := newEvent(EventSessionEnd)
				event.SessionID = session.ID()
				s.publish(event)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create lmtp server: %w", err)
		}
		s.status.Modes = append(s.status.Modes, "lmtp")
	}

	if c.EnableWebhook {
		s.Webhook, err = webhook.New(&webhook.Config{
			Logger: s.logger,

			Token:      c.Mail.Token,
			Prefix:     c.WebhookPrefix,
			SocketPath: c.Mail.Socket,

			Writer: s,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook: %w", err)
		}
		s.status.Modes = append(s.status.Modes, "webhook")
	}

	return s, nil
}

// Logger returns the logger of the server.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Serve starts all the accociated servers resources and listeners and blocks
// forever until signals or error occurs.
func (server *Server) Serve(ctx context.Context) error {
	var err error

	errCh := make(chan error, 4)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)
	readyCh := make(chan struct{}, 1)
	triggerCh := make(chan bool, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := server.logger

	var serversWg sync.WaitGroup

	// Start events and process them into the status.
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.events.Start(serveCtx)
	}()
	eventsCh := server.events.Subscribe()
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.incomingEventsReadPump(serveCtx, eventsCh)
	}()

	go func() {
		select {
		case <-serveCtx.Done():
			return
		case <-readyCh:
		}
		logger.WithFields(logrus.Fields{}).Infoln("ready")
		if server.config.OnReady != nil {
			server.config.OnReady(server)
		}
		server.notifyStatus()
	}()

	if server.config.SyncOnStart {
		if err = server.RefreshTables(serveCtx); err != nil {
			return err
		}
	}

	// Bind all listeners before serving anything.
	var lmtpListener, webhookListener, metricsListener net.Listener
	err = func() error {
		if server.LMTP != nil {
			l, listenErr := lmtp.Listen(server.config.Mail.Socket)
			if listenErr != nil {
				return fmt.Errorf("failed to create lmtp listener: %w", listenErr)
			}
			lmtpListener = l
		}
		if server.Webhook != nil {
			l, listenErr := net.Listen("tcp", server.config.WebhookListenAddress)
			if listenErr != nil {
				return fmt.Errorf("failed to create webhook listener: %w", listenErr)
			}
			webhookListener = l
		}
		if server.config.MetricsListenAddress != "" {
			l, listenErr := net.Listen("tcp", server.config.MetricsListenAddress)
			if listenErr != nil {
				return fmt.Errorf("failed to create metrics listener: %w", listenErr)
			}
			metricsListener = l
		}
		return nil
	}()
	if err != nil {
		for _, l := range []net.Listener{lmtpListener, webhookListener, metricsListener} {
			if l != nil {
				l.Close()
			}
		}
		return err
	}

	// Start LMTP.
	if lmtpListener != nil {
		server.status.Lock()
		server.status.LMTPSocket = lmtpListener.Addr().String()
		server.status.Unlock()
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithField("socket", lmtpListener.Addr()).Infoln("lmtp listener started")
			if serveErr := server.LMTP.Serve(lmtpListener); serveErr != nil {
				errCh <- serveErr
			}
		}()
	}

	// Start webhook.
	if webhookListener != nil {
		server.status.Lock()
		server.status.WebhookAddr = webhookListener.Addr().String()
		server.status.Unlock()
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithFields(logrus.Fields{
				"listen_addr": webhookListener.Addr(),
				"prefix":      server.config.WebhookPrefix,
			}).Infoln("webhook listener started")
			if serveErr := server.Webhook.Serve(webhookListener); serveErr != nil {
				errCh <- serveErr
			}
		}()
	}

	// Start metrics.
	var metricsServer *http.Server
	if metricsListener != nil {
		server.status.Lock()
		server.status.MetricsAddr = metricsListener.Addr().String()
		server.status.Unlock()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		}
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithField("listen_addr", metricsListener.Addr()).Infoln("metrics listener started")
			if serveErr := metricsServer.Serve(metricsListener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- serveErr
			}
		}()
	}

	// Refresh tables from remote when triggered.
	if server.Webhook != nil {
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			for {
				select {
				case <-serveCtx.Done():
					return
				case <-triggerCh:
					if refreshErr := server.RefreshTables(serveCtx); refreshErr != nil {
						logger.WithError(refreshErr).Errorln("failed to refresh tables")
					}
				}
			}
		}()
	}

	// Wait for all services to stop before closing the exit channel
	go func() {
		serversWg.Wait()
		close(exitCh)
	}()

	// All listeners are bound.
	startedAt := time.Now()
	server.status.Lock()
	server.status.StartedAt = &startedAt
	server.status.Unlock()
	close(readyCh)

	// Wait for error or signal, with support for HUP to reload
	err = func() error {
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(signalCh)
		for {
			select {
			case errFromChannel := <-errCh:
				return errFromChannel
			case <-ctx.Done():
				return nil
			case reason := <-signalCh:
				if reason == syscall.SIGHUP {
					logger.Infoln("reload signal received, refreshing tables")
					select {
					case triggerCh <- true:
					default:
					}
					continue
				}
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			}
		}
	}()

	// Shutdown, server will stop to accept new connections.
	logger.Infoln("clean server shutdown start")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCtxCancel()

	var shutdownWg sync.WaitGroup
	shutdown := func(name string, f func(context.Context) error) {
		shutdownWg.Add(1)
		go func() {
			defer shutdownWg.Done()
			if shutdownErr := f(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warnf("clean %s shutdown failed", name)
			} else {
				logger.Infof("clean %s shutdown complete", name)
			}
		}()
	}
	if server.LMTP != nil {
		shutdown("lmtp", server.LMTP.Shutdown)
	}
	if server.Webhook != nil {
		shutdown("webhook", server.Webhook.Shutdown)
	}
	if metricsServer != nil {
		shutdown("metrics", metricsServer.Shutdown)
	}
	shutdownWg.Wait()

	// Cancel our own context and wait for all services to shutdown.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				logger.Infoln("clean server shutdown complete, exiting")
				return
			default:
				// Some services still running
				logger.Info("waiting services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	return err
}

// incomingEventsReadPump announces the status for published events. Blocks
// until the context is done or the events channel is closed.
func (server *Server) incomingEventsReadPump(ctx context.Context, eventsCh <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-eventsCh:
			if !ok {
				return
			}
			event, ok := msg.(*Event)
			if !ok {
				continue
			}
			server.logger.WithFields(logrus.Fields{
				"event":      event.Type,
				"session_id": event.SessionID,
				"table":      event.Table,
			}).Debugln("event")
			server.notifyStatus()
		}
	}
}

func (server *Server) notifyStatus() {
	server.notifyMutex.Lock()
	defer server.notifyMutex.Unlock()
	if server.config.OnStatus != nil {
		server.config.OnStatus(server)
	}
}
