package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Publish persists payload as the next message in topic/partitionKey's
// ordered stream and wakes any idle subscription pollers. Per-key ordering
// is enforced by the unique (topic, partition_key, sequence) index backing
// the monotonic sequence column.
func (b *Bus) Publish(ctx context.Context, topic, partitionKey string, payload interface{}, properties map[string]string) (uuid.UUID, error) {
	envelope, ok := payload.(Envelope)
	if !ok {
		built, err := NewEnvelope(topic, uuid.New(), payload)
		if err != nil {
			return uuid.Nil, fmt.Errorf("eventbus: marshal payload: %w", err)
		}
		envelope = built
	}

	id, err := uuid.Parse(envelope.EventID)
	if err != nil {
		id = uuid.New()
		envelope.EventID = id.String()
	}

	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return uuid.Nil, fmt.Errorf("eventbus: marshal properties: %w", err)
	}
	dataJSON, err := json.Marshal(envelope.Data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("eventbus: marshal envelope data: %w", err)
	}

	const insert = `
		INSERT INTO bus_messages (id, topic, partition_key, event_type, schema_version, payload, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := b.db.ExecContext(ctx, insert,
		id, topic, partitionKey, envelope.EventType, envelope.SchemaVersion,
		dataJSON, propsJSON, envelope.Timestamp,
	); err != nil {
		return uuid.Nil, fmt.Errorf("eventbus: insert message: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, topic); err != nil {
		b.log.WithError(err).Warn("eventbus: notify failed, subscribers fall back to polling")
	}

	return id, nil
}
