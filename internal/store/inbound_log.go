// Package store provides the InboundLog interface for webhook deduplication.
package store

import "time"

// InboundMessage is one row of the inbound message log.
type InboundMessage struct {
	MessageID   string     `json:"message_id"`
	UserRef     string     `json:"user_ref"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// InboundLog deduplicates webhook deliveries. Transports redeliver events,
// and a redelivered message must not walk the funnel twice, so the router
// claims each provider message ID before acting on it.
type InboundLog interface {
	// ClaimInboundMessage records the provider message ID and reports whether
	// this delivery was the first. A false verdict means the ID was already
	// logged by an earlier delivery.
	ClaimInboundMessage(messageID, userRef string) (bool, error)

	// MarkInboundProcessed stamps the log row once routing finished.
	MarkInboundProcessed(messageID string) error

	// SeenInbound reports whether a message ID is already logged.
	SeenInbound(messageID string) (bool, error)
}
