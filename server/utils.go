/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"stash.kopano.io/kgol/mailbridge/version"
)

var defaultUserAgent = "mailbridged/" + version.Version
