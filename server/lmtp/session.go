/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package lmtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailbridge/server/delivery"
)

const (
	greeting     = "localhost LMTP server ready"
	closing      = "localhost Closing connection"
	startData    = "Start mail input; end with <CRLF>.<CRLF>"
	endOfData    = ".\r\n"
	lineEndCRLF  = "\r\n"
	dumpFileName = "lmtp_%d"
)

// Session is a single LMTP connection. All of its state is owned by the
// goroutine running Serve.
type Session struct {
	ctx context.Context
	id  string

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	deliverer Deliverer
	logger    logrus.FieldLogger
	onClose   SessionCb

	debug    bool
	dumpPath string

	data bytes.Buffer
	crlf bool
	quit bool
}

// deadlineReader refreshes the read deadline before every read, so timeout
// bounds inactivity rather than the length of a line.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

// NewSession creates a session for conn.
func NewSession(ctx context.Context, sessionID string, conn net.Conn, config *Config, onClose SessionCb) *Session {
	timeout := config.ReadTimeout
	if timeout == 0 {
		timeout = DefaultReadTimeout
	}
	dumpPath := config.DumpPath
	if dumpPath == "" {
		dumpPath = os.TempDir()
	}

	return &Session{
		ctx: ctx,
		id:  sessionID,

		conn:   conn,
		reader: bufio.NewReader(&deadlineReader{conn: conn, timeout: timeout}),
		writer: bufio.NewWriter(conn),

		deliverer: config.Deliverer,
		logger: config.Logger.WithFields(logrus.Fields{
			"scope":      "lmtp-session",
			"session_id": sessionID,
		}),
		onClose: onClose,

		debug:    config.Debug,
		dumpPath: dumpPath,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Serve greets the client and processes commands until the client quits, the
// connection fails or stays idle for too long. The connection is closed when
// Serve returns.
func (s *Session) Serve() {
	defer s.close()

	if err := s.reply(220, greeting); err != nil {
		return
	}

	for !s.quit {
		line, readErr := s.reader.ReadString('\n')
		if line == "" {
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				s.logger.WithError(readErr).Debugln("lmtp read failed")
			}
			return
		}

		if err := s.handleCommand(line); err != nil {
			s.logger.WithError(err).Debugln("lmtp session terminated")
			return
		}

		if readErr != nil {
			// Unterminated last line, the stream is gone.
			return
		}
	}
}

func (s *Session) handleCommand(line string) error {
	command := strings.TrimSpace(line)
	s.logger.WithField("command", command).Debugln("lmtp command")

	args := strings.Fields(command)
	if len(args) == 0 {
		return s.replyStatus(ErrInvalidCommand)
	}

	switch strings.ToLower(args[0]) {
	case "lhlo":
		if len(args) < 2 {
			return s.replyStatus(ErrInvalidCommand)
		}
		return s.reply(250, args[1])

	case "rset", "noop", "mail", "rcpt":
		return s.replyStatus(nil)

	case "quit":
		s.quit = true
		return s.reply(221, closing)

	case "data":
		return s.handleData(strings.HasSuffix(line, lineEndCRLF))

	default:
		return s.replyStatus(ErrInvalidCommand)
	}
}

// handleData collects the message body. A "." line only terminates the body
// if the line before it ended with CRLF, commandCRLF tells whether the DATA
// command line itself did.
func (s *Session) handleData(commandCRLF bool) error {
	if err := s.reply(354, startData); err != nil {
		return err
	}

	s.crlf = commandCRLF
	for {
		line, readErr := s.reader.ReadString('\n')
		if readErr == nil && s.crlf && line == endOfData {
			status := s.deliver(s.data.Bytes())
			s.data.Reset()
			return s.replyStatus(status)
		}

		if line != "" {
			s.crlf = strings.HasSuffix(line, lineEndCRLF)
			s.data.WriteString(line)
		}

		if readErr != nil {
			s.logger.WithError(readErr).WithField("size", s.data.Len()).Debugln("lmtp data interrupted")
			s.dumpData()
			s.data.Reset()
			_ = s.replyStatus(ErrInvalidCommand)
			return errDataInterrupted
		}
	}
}

func (s *Session) deliver(body []byte) *smtp.SMTPError {
	s.logMessage(body)

	err := s.deliverer.Deliver(s.ctx, body)
	if err == nil {
		s.logger.WithField("size", len(body)).Debugln("lmtp data delivered")
		return nil
	}

	s.logger.WithError(err).Warnln("lmtp data delivery failed")

	var deliveryErr *delivery.Error
	if !errors.As(err, &deliveryErr) {
		deliveryErr = delivery.NewError(http.StatusInternalServerError, err.Error())
	}
	return deliveryErr.SMTPError()
}

func (s *Session) logMessage(body []byte) {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if err != nil {
		s.logger.WithError(err).Debugln("lmtp data without parsable header")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": header.Get("Message-Id"),
		"subject":    header.Get("Subject"),
		"size":       len(body),
	}).Debugln("lmtp data received")
}

// dumpData persists an interrupted body for postmortem debugging. Failures
// are only logged.
func (s *Session) dumpData() {
	if !s.debug || s.data.Len() == 0 {
		return
	}

	path := filepath.Join(s.dumpPath, fmt.Sprintf(dumpFileName, time.Now().Unix()))
	if err := os.WriteFile(path, s.data.Bytes(), 0600); err != nil {
		s.logger.WithError(err).Debugln("failed to dump interrupted lmtp data")
		return
	}
	s.logger.WithField("path", path).Warnln("interrupted lmtp data dumped")
}

// replyStatus writes 250 OK for a nil status, the status otherwise.
func (s *Session) replyStatus(status *smtp.SMTPError) error {
	if status == nil {
		return s.reply(250, "OK")
	}
	return s.reply(status.Code, status.Message)
}

func (s *Session) reply(code int, text string) error {
	if _, err := fmt.Fprintf(s.writer, "%d %s\r\n", code, text); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) close() {
	s.conn.Close()
	s.logger.Debugln("lmtp session closed")
	if s.onClose != nil {
		s.onClose(s)
	}
}
