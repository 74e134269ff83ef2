package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectedSockets = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "reef_connected_sockets",
	Help: "Number of websocket connections currently registered",
})

var socketEventsSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "reef_socket_events_sent_total",
	Help: "Total number of events written out over websockets",
})

var postsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reef_posts_created_total",
	Help: "Total number of posts created, by kind",
}, []string{"kind"})

var adminDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reef_admin_decisions_total",
	Help: "Total number of admin moderation decisions, by outcome",
}, []string{"outcome"})
