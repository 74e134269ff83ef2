package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reef_events_published_total",
		Help: "Total number of events published to the bus, by type",
	}, []string{"type"})
	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reef_events_delivered_total",
		Help: "Total number of events enqueued to subscriber channels",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reef_events_dropped_total",
		Help: "Total number of events dropped due to slow subscribers",
	})
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reef_event_subscribers",
		Help: "Number of live event bus subscribers",
	})
	roomMembersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reef_room_members",
		Help: "Number of subscribers per room",
	}, []string{"room"})
)
