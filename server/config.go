/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailbridge/config"
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady  func(*Server)
	OnStatus func(*Server)

	Mail *config.Config

	// HTTPClient is used for remote requests, optional.
	HTTPClient *http.Client

	EnableLMTP      bool
	LMTPReadTimeout time.Duration

	EnableWebhook        bool
	WebhookListenAddress string
	WebhookPrefix        string

	// SyncOnStart refreshes both routing tables from remote before the
	// listeners are started.
	SyncOnStart  bool
	SyncAttempts int

	// Debug dumps interrupted LMTP message data to DumpPath.
	Debug    bool
	DumpPath string

	MetricsListenAddress string
}
