// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package obs holds the Prometheus metrics shared across the SDK's server
// and client components: session lifecycle, task-store occupancy, event-log
// append throughput, and OAuth challenge handling.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the number of live MCP sessions, labeled by
	// the transport that's carrying them.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcp_active_sessions",
			Help: "Number of currently active MCP sessions",
		},
		[]string{"transport"},
	)

	// TasksActive tracks tasks currently held by a store (terminal tasks
	// remain counted until reaped).
	TasksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcp_tasks_active",
			Help: "Number of tasks currently held by a task store",
		},
		[]string{"store"},
	)

	// TasksTotal counts tasks created, labeled by their terminal outcome
	// once known ("created" on Create, then one of the Status values on
	// completion).
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_tasks_total",
			Help: "Total number of tasks processed by status",
		},
		[]string{"store", "status"},
	)

	// EventsAppended counts events written to an event log store.
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_events_appended_total",
			Help: "Total number of events appended to an event log store",
		},
		[]string{"store"},
	)

	// OAuthChallenges counts bearer-token verification outcomes at the
	// resource server, and client-side authorization attempts, by result.
	OAuthChallenges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_challenges_total",
			Help: "Total number of OAuth bearer-token challenges by outcome",
		},
		[]string{"side", "result"},
	)
)

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
