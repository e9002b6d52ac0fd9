/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package version

var (
	// Version specifies the version string, set at build time.
	Version = "0.0.0-dev"

	// BuildDate specifies the build date, set at build time.
	BuildDate = "0"
)
