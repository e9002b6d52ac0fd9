/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package lmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/lithammer/shortuuid/v3"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailbridge/utils"
)

// SocketMode allows the MTA, which might run as another user, to connect.
const SocketMode os.FileMode = 0666

// Server accepts LMTP connections and runs a Session for each of them.
type Server struct {
	config *Config
	logger logrus.FieldLogger

	sessionContext       context.Context
	sessionContextCancel context.CancelFunc
	inShutdown           utils.AtomicBool

	mu        sync.Mutex
	listeners map[net.Listener]struct{}

	sessions cmap.ConcurrentMap
}

// New creates an LMTP server.
func New(config *Config) (*Server, error) {
	if config.Deliverer == nil {
		return nil, errors.New("lmtp: deliverer must not be nil")
	}

	logger := config.Logger.WithFields(logrus.Fields{
		"scope": "lmtp",
	})

	sessionContext, sessionContextCancel := context.WithCancel(context.Background())

	return &Server{
		config: config,
		logger: logger,

		sessionContext:       sessionContext,
		sessionContextCancel: sessionContextCancel,

		listeners: make(map[net.Listener]struct{}),

		sessions: cmap.New(),
	}, nil
}

// Listen creates a unix socket listener at path. A stale file at path is
// removed first and the socket is made world writable.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	if err = os.Chmod(path, SocketMode); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return l, nil
}

// Serve accepts incoming connections on the Listener l. It returns nil after
// Shutdown and the accept error for any error which is not temporary.
func (srv *Server) Serve(l net.Listener) error {
	srv.mu.Lock()
	srv.listeners[l] = struct{}{}
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.listeners, l)
		srv.mu.Unlock()
	}()

	bo := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2,
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.inShutdown.IsSet() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() {
				delay := bo.Duration()
				srv.logger.WithError(err).WithField("retry_in", delay).Warnln("lmtp accept error")
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("lmtp accept failed: %w", err)
		}
		bo.Reset()

		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	if srv.inShutdown.IsSet() {
		fmt.Fprintf(conn, "%d %s\r\n", ErrServiceNotAvailable.Code, ErrServiceNotAvailable.Message)
		conn.Close()
		return
	}

	sessionID := shortuuid.New()
	session := NewSession(srv.sessionContext, sessionID, conn, srv.config, srv.onClose)
	srv.sessions.Set(sessionID, session)

	if srv.config.OnSessionStart != nil {
		srv.config.OnSessionStart(session)
	}
	session.logger.Debugln("lmtp session started")

	session.Serve()
}

func (srv *Server) onClose(session *Session) {
	srv.sessions.Remove(session.id)
	if srv.config.OnSessionEnd != nil {
		srv.config.OnSessionEnd(session)
	}
}

// ActiveSessions returns the number of connected sessions.
func (srv *Server) ActiveSessions() int {
	return srv.sessions.Count()
}

// Shutdown stops accepting connections and waits until all sessions are done
// or ctx expires. Sessions still running then have their context cancelled.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.inShutdown.SetTrue()

	var err error
	srv.mu.Lock()
	for l := range srv.listeners {
		if closeErr := l.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	srv.mu.Unlock()

	func() {
		for {
			if srv.sessions.Count() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	srv.sessionContextCancel()

	return err
}
