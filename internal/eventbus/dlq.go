package eventbus

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// DeadLetter describes one dead-lettered delivery, surfaced to operators via
// the control surface. Dead letters are observable, not automatically
// replayed.
type DeadLetter struct {
	Message
	Subscription string
}

// DeadLetters returns every dead-lettered delivery for subscription on
// topic, most recent first.
func (b *Bus) DeadLetters(ctx context.Context, topic, subscription string) ([]DeadLetter, error) {
	const q = `
		SELECT m.id, m.topic, m.partition_key, m.sequence, m.event_type, m.schema_version,
		       m.payload, m.properties, m.created_at, d.redeliver_count
		FROM bus_deliveries d
		JOIN bus_messages m ON m.id = d.message_id
		WHERE d.subscription = $1 AND d.topic = $2 AND d.state = 'dead_lettered'
		ORDER BY d.dead_lettered_at DESC`

	rows, err := b.db.QueryContext(ctx, q, subscription, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var propsJSON []byte
		if err := rows.Scan(&d.ID, &d.Topic, &d.PartitionKey, &d.Sequence, &d.EventType,
			&d.SchemaVersion, &d.Payload, &propsJSON, &d.CreatedAt, &d.RedeliverCount); err != nil {
			return nil, err
		}
		if len(propsJSON) > 0 {
			_ = json.Unmarshal(propsJSON, &d.Properties)
		}
		d.Subscription = subscription
		out = append(out, d)
	}
	return out, rows.Err()
}

// Requeue resets a dead-lettered delivery back to pending with a fresh
// redeliver count, allowing an operator to replay it by hand.
func (b *Bus) Requeue(ctx context.Context, topic, subscription string, messageID uuid.UUID) error {
	const q = `
		UPDATE bus_deliveries
		SET state = 'pending', redeliver_count = 0, next_attempt_at = now(), dead_lettered_at = NULL
		WHERE subscription = $1 AND message_id = $2 AND topic = $3 AND state = 'dead_lettered'`
	_, err := b.db.ExecContext(ctx, q, subscription, messageID, topic)
	return err
}
