// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsPublished counts notifications handed to the bus, by kind.
	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusfeed_notifications_published_total",
		Help: "Notifications published on the event bus.",
	}, []string{"kind"})

	// NotificationsDropped counts best-effort deliveries that were dropped.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusfeed_notifications_dropped_total",
		Help: "Notifications dropped on the dispatch path.",
	}, []string{"reason"})

	// LiveConnections tracks currently joined client connections.
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campusfeed_live_connections",
		Help: "Currently joined live connections.",
	})

	// WorkflowTransitions counts successful workflow state transitions.
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusfeed_workflow_transitions_total",
		Help: "Successful workflow state transitions.",
	}, []string{"workflow", "to"})
)
