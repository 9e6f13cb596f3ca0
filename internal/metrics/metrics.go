// Package metrics holds the prometheus collectors of the messaging service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_dm_messages_sent_total",
		Help: "Messages persisted by send.",
	})

	ContentRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_dm_content_rejected_total",
		Help: "Send or edit requests rejected by the content filter.",
	}, []string{"op"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_dm_events_published_total",
		Help: "Change events published on the realtime bus.",
	}, []string{"type"})

	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_dm_events_delivered_total",
		Help: "Events handed to subscription handlers.",
	})

	EventsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_dm_events_duplicate_total",
		Help: "Redelivered events dropped by the dedup window.",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_dm_events_dropped_total",
		Help: "Events dropped because a subscription buffer was full.",
	})

	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_dm_transport_reconnects_total",
		Help: "Successful realtime transport reconnects.",
	})

	TransportConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_dm_transport_connected",
		Help: "1 while the realtime transport is connected.",
	})

	UnreadRecomputes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_dm_unread_recomputes_total",
		Help: "Unread count recomputations by trigger.",
	}, []string{"trigger"})

	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_dm_active_subscriptions",
		Help: "Open conversation subscriptions.",
	})

	NotificationClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_dm_notification_clients",
		Help: "Users with a running notification client.",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		ContentRejected,
		EventsPublished,
		EventsDelivered,
		EventsDuplicate,
		EventsDropped,
		TransportReconnects,
		TransportConnected,
		UnreadRecomputes,
		ActiveSubscriptions,
		NotificationClients,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
