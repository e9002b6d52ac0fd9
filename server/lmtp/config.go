/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package lmtp

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultReadTimeout is the inactivity timeout applied to every read.
const DefaultReadTimeout = 5 * time.Second

// Deliverer hands off a complete message body.
type Deliverer interface {
	Deliver(ctx context.Context, body []byte) error
}

// SessionCb is called on session lifecycle changes.
type SessionCb func(session *Session)

// Config bundles LMTP server configuration settings.
type Config struct {
	Logger    logrus.FieldLogger
	Deliverer Deliverer

	ReadTimeout time.Duration

	// Debug enables dumping of interrupted message bodies into DumpPath.
	Debug    bool
	DumpPath string

	OnSessionStart SessionCb
	OnSessionEnd   SessionCb
}
