/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"time"
)

// EventType identifies what happened.
type EventType int

// Known event types.
const (
	EventSessionStart EventType = iota
	EventSessionEnd
	EventDelivery
	EventTableWrite
)

func (t EventType) String() string {
	switch t {
	case EventSessionStart:
		return "session-start"
	case EventSessionEnd:
		return "session-end"
	case EventDelivery:
		return "delivery"
	case EventTableWrite:
		return "table-write"
	default:
		return "unknown"
	}
}

// Event is published for every state change reflected in Status.
type Event struct {
	Type EventType
	When time.Time

	SessionID string
	Table     string
	Err       error
}

func newEvent(t EventType) *Event {
	return &Event{
		Type: t,
		When: time.Now(),
	}
}

// publish counts event in the status before broadcasting it. Subscribers may
// miss events under load but every status they read includes them.
func (server *Server) publish(event *Event) {
	server.status.apply(event)
	server.events.Broadcast(event)
}
