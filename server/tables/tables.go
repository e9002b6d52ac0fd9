/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package tables

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Kind identifies one of the routing tables consumed by the MTA.
type Kind int

// Known routing tables.
const (
	Aliases Kind = iota
	Transport
)

func (k Kind) String() string {
	switch k {
	case Aliases:
		return "aliases"
	case Transport:
		return "transport"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Fetcher returns the authoritative content of a routing table.
type Fetcher interface {
	Fetch(ctx context.Context, table string) (string, error)
}

// Config bundles routing table store configuration settings.
type Config struct {
	Logger  logrus.FieldLogger
	Fetcher Fetcher

	AliasesPath   string
	TransportPath string

	// SocketPath is the LMTP socket announced in transport entries.
	SocketPath string

	// Postmap is the index builder executable, looked up on PATH.
	Postmap string
}

// Store writes routing tables to disk and rebuilds their index.
type Store struct {
	logger  logrus.FieldLogger
	fetcher Fetcher

	paths      map[Kind]string
	socketPath string
	postmap    string
}

// New creates a routing table store.
func New(config *Config) (*Store, error) {
	if config.AliasesPath == "" || config.TransportPath == "" {
		return nil, fmt.Errorf("tables: paths must not be empty")
	}

	return &Store{
		logger: config.Logger.WithFields(logrus.Fields{
			"scope": "tables",
		}),
		fetcher: config.Fetcher,

		paths: map[Kind]string{
			Aliases:   config.AliasesPath,
			Transport: config.TransportPath,
		},
		socketPath: config.SocketPath,
		postmap:    config.Postmap,
	}, nil
}

// Path returns the file path of the table.
func (s *Store) Path(kind Kind) string {
	return s.paths[kind]
}

// TransportValue is the transport entry value routing to the LMTP socket.
func (s *Store) TransportValue() string {
	return "lmtp:unix:" + s.socketPath
}

// Write replaces the whole table with data and rebuilds its index. The table
// file stays exclusively locked until the index is rebuilt, so concurrent
// writers (also from other processes) never interleave.
func (s *Store) Write(ctx context.Context, kind Kind, data []byte) error {
	path, ok := s.paths[kind]
	if !ok {
		return fmt.Errorf("unknown table: %v", kind)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("can't open %s: %w", path, err)
	}
	defer f.Close()

	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err = f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", path, err)
	}
	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"table": kind,
		"path":  path,
		"size":  len(data),
	})
	logger.Debugln("table written")

	return s.rebuildIndex(ctx, logger, path)
}

func (s *Store) rebuildIndex(ctx context.Context, logger logrus.FieldLogger, path string) error {
	if s.postmap == "" {
		return nil
	}
	builder, err := exec.LookPath(s.postmap)
	if err != nil {
		logger.WithField("postmap", s.postmap).Debugln("index builder not found, skipped")
		return nil
	}

	output, err := exec.CommandContext(ctx, builder, path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", builder, path, err, strings.TrimSpace(string(output)))
	}
	logger.WithField("postmap", builder).Debugln("table index rebuilt")

	return nil
}

// Get fetches the current authoritative content of the table from remote.
func (s *Store) Get(ctx context.Context, kind Kind) (string, error) {
	if s.fetcher == nil {
		return "", fmt.Errorf("tables: no fetcher configured")
	}
	return s.fetcher.Fetch(ctx, kind.String())
}

// Refresh replaces the local table with the remote content. Transport entries
// without a value are routed to the LMTP socket.
func (s *Store) Refresh(ctx context.Context, kind Kind) error {
	text, err := s.Get(ctx, kind)
	if err != nil {
		return err
	}

	if kind == Transport {
		text = s.completeTransport(text)
	}

	return s.Write(ctx, kind, []byte(text))
}

func (s *Store) completeTransport(text string) string {
	var b strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(strings.Fields(line)) == 1 {
			line = line + " " + s.TransportValue()
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	return b.String()
}
