// Package server exposes Prometheus instrumentation for connection, message,
// and notification throughput.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_connections_total",
		Help: "Connections accepted or refused, by outcome.",
	}, []string{"outcome"})

	metricOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_online_users",
		Help: "Distinct users currently online.",
	})

	metricMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_messages_total",
		Help: "Direct messages accepted by the dispatcher, by kind.",
	}, []string{"kind"})

	metricNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_notifications_total",
		Help: "Notifications processed, by live delivery outcome.",
	}, []string{"delivered"})

	metricDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_delivery_failures_total",
		Help: "Live pushes dropped because a client send buffer was full or closed.",
	})

	metricEventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_event_errors_total",
		Help: "Error events returned to clients, by code.",
	}, []string{"code"})
)
