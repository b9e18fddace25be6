package models

import "encoding/json"

// PublishRequest is the body accepted by the relay ingestion endpoint.
// Data is passed through opaquely; an absent payload is treated as an
// empty JSON object.
type PublishRequest struct {
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PublishReceipt is returned to the publisher. Delivery is best-effort,
// so the receipt says nothing about how many subscribers (if any)
// actually received the event.
type PublishReceipt struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Status struct {
	OK            bool   `json:"ok"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Topics        int    `json:"topics"`
	Subscribers   int    `json:"subscribers"`
	Started       string `json:"started"`
}
