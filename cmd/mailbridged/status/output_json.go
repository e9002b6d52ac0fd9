/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"encoding/json"
	"io"
	"time"

	"stash.kopano.io/kgol/mailbridge/server"
)

type jsonStatus struct {
	*server.Status

	UptimeSeconds      int64 `json:"uptime_seconds,omitempty"`
	TablesUpdatedSince int64 `json:"tables_updated_seconds_ago,omitempty"`
}

func outputJSON(w io.Writer, status *server.Status) error {
	return outputJSONAt(w, status, time.Now())
}

func outputJSONAt(w io.Writer, status *server.Status, now time.Time) error {
	s := &jsonStatus{
		Status: status,
	}
	if status.StartedAt != nil {
		s.UptimeSeconds = int64(now.Sub(*status.StartedAt).Seconds())
	}
	if status.LastTableUpdate != nil {
		s.TablesUpdatedSince = int64(now.Sub(*status.LastTableUpdate).Seconds())
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(s)
}
