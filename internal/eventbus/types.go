// Package eventbus implements a durable, Postgres-backed publish/subscribe
// broker. Messages are persisted in bus_messages and survive subscriber
// crashes; pg_notify/LISTEN is used only as a low-latency wake-up signal so
// subscribers do not have to poll on a tight interval.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current wire schema for Envelope.
const SchemaVersion = "v1"

// SubscriptionMode controls how a subscription distributes work across
// concurrent consumers of the same subscription name.
type SubscriptionMode string

const (
	// Shared load-balances due deliveries across every worker goroutine
	// registered under the same subscription name.
	Shared SubscriptionMode = "shared"
	// Failover processes deliveries with a single active worker; standbys
	// only take over once the active worker stops claiming rows.
	Failover SubscriptionMode = "failover"
)

// Result is returned by a Handler to acknowledge or reject a delivery.
type Result int

const (
	// ResultAck marks the delivery as successfully processed.
	ResultAck Result = iota
	// ResultNack requests redelivery after a backoff delay.
	ResultNack
)

// Handler processes one delivered message. Returning ResultNack (or a
// non-nil error) schedules a redelivery with exponential backoff; after the
// subscription's max-redeliver-count is exceeded the message is
// dead-lettered instead of redelivered again.
type Handler func(ctx context.Context, msg Message) (Result, error)

// Message is a single stored event, addressable by its position within a
// topic/partition-key stream.
type Message struct {
	ID            uuid.UUID
	Topic         string
	PartitionKey  string
	Sequence      int64
	EventType     string
	SchemaVersion string
	Payload       json.RawMessage
	Properties    map[string]string
	CreatedAt     time.Time

	// Delivery-scoped fields, populated only when a message is fetched for
	// a specific subscription.
	RedeliverCount int
}

// Envelope is the JSON wire format published to and read from bus_messages.
// It mirrors the envelope described for cross-service event consumers.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps a typed payload into the standard event envelope.
func NewEnvelope(eventType string, eventID uuid.UUID, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		EventType:     eventType,
		EventID:       eventID.String(),
		Timestamp:     time.Now().UTC(),
		Data:          raw,
	}, nil
}
