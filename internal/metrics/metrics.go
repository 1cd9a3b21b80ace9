// Package metrics holds the Prometheus collectors shared across the
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts inbound LINE webhook events by
	// message type.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_webhook_events_total",
		Help: "Inbound LINE webhook events by message type.",
	}, []string{"type"})

	// ChatTicketsCreatedTotal counts tickets materialized by the chat
	// intake flow.
	ChatTicketsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "line_chat_tickets_created_total",
		Help: "Tickets created through the LINE intake flow.",
	})

	// MediaDownloadsTotal counts media downloads by result.
	MediaDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_media_downloads_total",
		Help: "LINE media downloads by result.",
	}, []string{"result"})

	// TicketsCreatedTotal counts tickets created through the REST API.
	TicketsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_created_total",
		Help: "Tickets created through the REST API.",
	})
)
