/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/jpillora/backoff"
	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/mailbridge/internal/ipc"
	"stash.kopano.io/kgol/mailbridge/server"
)

// DefaultFetchAttempts is how often the shared status is read before giving
// up. A starting daemon publishes its status only after the table sync.
var DefaultFetchAttempts = 5

var fetchBackoff = &backoff.Backoff{
	Min:    250 * time.Millisecond,
	Max:    2 * time.Second,
	Factor: 2,
}

type errMsg error

type statusMsg *server.Status

type attemptMsg int

type model struct {
	ctx       context.Context
	statePath string
	attempts  int

	spinner spinner.Model
	attempt int

	quitting bool

	status *server.Status
	err    error

	getStatus func() (*server.Status, error)
}

func initialModel(ctx context.Context, statePath string) *model {
	s := spinner.NewModel()
	s.HideFor = time.Second
	s.Spinner = spinner.Dot
	return &model{
		ctx:       ctx,
		statePath: statePath,
		attempts:  DefaultFetchAttempts,

		spinner: s,
		attempt: 1,

		getStatus: ipc.GetStatus,
	}
}

// fetch reads the shared status once, waiting with backoff before retries.
func (m *model) fetch(attempt int, delay time.Duration) tea.Cmd {
	return func() tea.Msg {
		if delay > 0 {
			select {
			case <-m.ctx.Done():
				return errMsg(m.ctx.Err())
			case <-time.After(delay):
			}
		}

		s, err := m.getStatus()
		if err == nil {
			return statusMsg(s)
		}
		if attempt >= m.attempts {
			return errMsg(err)
		}
		log.Printf("status not available (attempt %d/%d): %v", attempt, m.attempts, err)
		return attemptMsg(attempt + 1)
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(
		spinner.Tick,
		m.fetch(1, 0),
	)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		default:
			return m, nil
		}

	case errMsg:
		m.err = msg
		return m, tea.Quit

	case statusMsg:
		m.status = msg
		return m, tea.Quit

	case attemptMsg:
		m.attempt = int(msg)
		return m, m.fetch(m.attempt, fetchBackoff.ForAttempt(float64(m.attempt-2)))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	default:
		return m, nil
	}
}

func (m *model) View() string {
	if m.err != nil || m.status != nil {
		// Output is written after the program ended.
		return ""
	}

	s := termenv.String(m.spinner.View()).String()
	str := fmt.Sprintf("%s Waiting for mailbridged status in %s", s, m.statePath)
	if m.attempt > 1 {
		str += fmt.Sprintf(" (attempt %d/%d)", m.attempt, m.attempts)
	}
	str += " ..."

	if m.quitting {
		return str + "\n"
	}
	return str
}
