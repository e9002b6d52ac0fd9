/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"
)

type Status struct {
	sync.RWMutex

	Modes       []string `json:"modes"`
	LMTPSocket  string   `json:"lmtp_socket,omitempty"`
	WebhookAddr string   `json:"webhook_addr,omitempty"`
	MetricsAddr string   `json:"metrics_addr,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`

	ActiveSessions int64  `json:"active_sessions"`
	TotalSessions  uint64 `json:"total_sessions"`

	Delivered        uint64 `json:"delivered"`
	DeliveryFailures uint64 `json:"delivery_failures"`

	TableWrites        uint64     `json:"table_writes"`
	TableWriteFailures uint64     `json:"table_write_failures"`
	LastTableUpdate    *time.Time `json:"last_table_update,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

func (status *Status) Copy() (*Status, error) {
	status.RLock()
	defer status.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
	})
	// The copied lock is held for reading by this call.
	s.RWMutex = sync.RWMutex{}

	return s, err
}

// apply updates the counters for event.
func (status *Status) apply(event *Event) {
	status.Lock()
	defer status.Unlock()

	switch event.Type {
	case EventSessionStart:
		status.ActiveSessions++
		status.TotalSessions++

	case EventSessionEnd:
		if status.ActiveSessions > 0 {
			status.ActiveSessions--
		}

	case EventDelivery:
		if event.Err != nil {
			status.DeliveryFailures++
		} else {
			status.Delivered++
		}

	case EventTableWrite:
		if event.Err != nil {
			status.TableWriteFailures++
		} else {
			status.TableWrites++
			when := event.When
			status.LastTableUpdate = &when
		}
	}

	if event.Err != nil {
		status.LastError = event.Err.Error()
	}
}

// Status returns a snapshot of the server status.
func (server *Server) Status() (*Status, error) {
	return server.status.Copy()
}
