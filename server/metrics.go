/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbridge_lmtp_sessions_total",
			Help: "Accepted LMTP sessions.",
		},
	)
	metricSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailbridge_lmtp_sessions_active",
			Help: "Currently connected LMTP sessions.",
		},
	)
	metricDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_deliveries_total",
			Help: "Messages relayed to the remote delivery endpoint, result is one of ok, failed.",
		},
		[]string{
			"result",
		},
	)
	metricDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailbridge_delivery_duration_seconds",
			Help:    "Duration of remote delivery requests in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
	metricTableWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_table_writes_total",
			Help: "Routing table replacements, result is one of ok, failed.",
		},
		[]string{
			"table",
			"result",
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
