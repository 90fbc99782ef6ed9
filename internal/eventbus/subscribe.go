package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Subscription represents an active registration; callers stop it with
// Close to drain in-flight handlers and release its poller goroutine.
type Subscription struct {
	inner *subscription
}

// Close stops the subscription's poller. It does not cancel a handler
// invocation already in flight; that call runs to completion.
func (s *Subscription) Close() {
	s.inner.stop()
}

type subscription struct {
	bus     *Bus
	topic   string
	name    string
	mode    SubscriptionMode
	handler Handler

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe registers handler against topic under subscription name and
// begins polling for due deliveries. mode is honored via row claiming (
// SELECT ... FOR UPDATE SKIP LOCKED): under Shared, any worker across any
// process may claim a due row; under Failover semantics are identical at
// the single-subscription-name granularity described in the contract — the
// distinction matters to callers coordinating multiple processes, not to
// this in-process poller.
func (b *Bus) Subscribe(ctx context.Context, topic, name string, mode SubscriptionMode, handler Handler) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(b.ctx)
	s := &subscription{
		bus:     b,
		topic:   topic,
		name:    name,
		mode:    mode,
		handler: handler,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.register(s)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(s.done)
		defer b.unregister(s)
		s.run(subCtx)
	}()

	return &Subscription{inner: s}, nil
}

func (s *subscription) stop() {
	s.cancel()
	<-s.done
}

func (s *subscription) run(ctx context.Context) {
	interval := s.bus.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// poll discovers newly published messages for this subscription and
// processes every currently-due delivery (new and redelivered alike).
func (s *subscription) poll(ctx context.Context) {
	if err := s.reclaimStale(ctx); err != nil {
		s.bus.log.WithError(err).WithField("subscription", s.name).Warn("eventbus: reclaim failed")
	}

	if err := s.discover(ctx); err != nil {
		s.bus.log.WithError(err).WithField("subscription", s.name).Warn("eventbus: discover failed")
		return
	}

	for {
		msg, deliveryFound, err := s.claimNext(ctx)
		if err != nil {
			s.bus.log.WithError(err).WithField("subscription", s.name).Warn("eventbus: claim failed")
			return
		}
		if !deliveryFound {
			return
		}
		s.process(ctx, msg)
	}
}

// reclaimStale resets deliveries that have sat in_flight longer than
// AckTimeout back to pending, covering a worker that claimed a row and then
// crashed or was killed before ack/nack.
func (s *subscription) reclaimStale(ctx context.Context) error {
	timeout := s.bus.cfg.AckTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	const reclaim = `
		UPDATE bus_deliveries
		SET state = 'pending', next_attempt_at = now()
		WHERE subscription = $1 AND state = 'in_flight' AND claimed_at <= now() - $2::interval`
	_, err := s.bus.db.ExecContext(ctx, reclaim, s.name, timeout.String())
	return err
}

// discover inserts pending delivery rows for any message published to this
// subscription's topic since the last discovery, advancing a per-
// subscription cursor so re-discovery is cheap.
func (s *subscription) discover(ctx context.Context) error {
	const insertDeliveries = `
		INSERT INTO bus_deliveries (subscription, message_id, topic, state, next_attempt_at)
		SELECT $1, m.id, m.topic, 'pending', now()
		FROM bus_messages m
		WHERE m.topic = $2
		  AND m.sequence > COALESCE((
			SELECT last_sequence FROM bus_subscription_cursors WHERE subscription = $1 AND topic = $2
		  ), 0)
		ORDER BY m.sequence
		ON CONFLICT (subscription, message_id) DO NOTHING`
	if _, err := s.bus.db.ExecContext(ctx, insertDeliveries, s.name, s.topic); err != nil {
		return err
	}

	const advanceCursor = `
		INSERT INTO bus_subscription_cursors (subscription, topic, last_sequence)
		SELECT $1, $2, COALESCE(MAX(sequence), 0) FROM bus_messages WHERE topic = $2
		ON CONFLICT (subscription, topic) DO UPDATE SET last_sequence = EXCLUDED.last_sequence
		WHERE bus_subscription_cursors.last_sequence < EXCLUDED.last_sequence`
	_, err := s.bus.db.ExecContext(ctx, advanceCursor, s.name, s.topic)
	return err
}

// claimNext locks and returns the next due delivery for this subscription,
// or (_, false, nil) when nothing is due. Claiming uses SKIP LOCKED so
// multiple concurrent workers on the same subscription never double-process
// a row.
func (s *subscription) claimNext(ctx context.Context) (Message, bool, error) {
	tx, err := s.bus.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, err
	}
	defer tx.Rollback()

	const selectDue = `
		SELECT m.id, m.topic, m.partition_key, m.sequence, m.event_type, m.schema_version,
		       m.payload, m.properties, m.created_at, d.redeliver_count
		FROM bus_deliveries d
		JOIN bus_messages m ON m.id = d.message_id
		WHERE d.subscription = $1 AND d.state = 'pending' AND d.next_attempt_at <= now()
		ORDER BY m.sequence
		LIMIT 1
		FOR UPDATE OF d SKIP LOCKED`

	var msg Message
	var propsJSON []byte
	row := tx.QueryRowContext(ctx, selectDue, s.name)
	if err := row.Scan(&msg.ID, &msg.Topic, &msg.PartitionKey, &msg.Sequence, &msg.EventType,
		&msg.SchemaVersion, &msg.Payload, &propsJSON, &msg.CreatedAt, &msg.RedeliverCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	if len(propsJSON) > 0 {
		_ = json.Unmarshal(propsJSON, &msg.Properties)
	}

	const markInFlight = `UPDATE bus_deliveries SET state = 'in_flight', claimed_at = now() WHERE subscription = $1 AND message_id = $2`
	if _, err := tx.ExecContext(ctx, markInFlight, s.name, msg.ID); err != nil {
		return Message{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

func (s *subscription) process(ctx context.Context, msg Message) {
	result, err := s.invoke(ctx, msg)
	if result == ResultAck && err == nil {
		if ackErr := s.ack(ctx, msg.ID); ackErr != nil {
			s.bus.log.WithError(ackErr).WithField("subscription", s.name).Warn("eventbus: ack failed")
		}
		return
	}
	if nackErr := s.nack(ctx, msg); nackErr != nil {
		s.bus.log.WithError(nackErr).WithField("subscription", s.name).Warn("eventbus: nack failed")
	}
}

func (s *subscription) invoke(ctx context.Context, msg Message) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = ResultNack, fmt.Errorf("eventbus: handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

func (s *subscription) ack(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE bus_deliveries SET state = 'acked', acked_at = now() WHERE subscription = $1 AND message_id = $2`
	_, err := s.bus.db.ExecContext(ctx, q, s.name, id)
	return err
}

func (s *subscription) nack(ctx context.Context, msg Message) error {
	maxRedeliver := s.bus.cfg.MaxRedeliverCount
	if maxRedeliver <= 0 {
		maxRedeliver = 3
	}
	nextCount := msg.RedeliverCount + 1
	if nextCount >= maxRedeliver {
		const deadLetter = `
			UPDATE bus_deliveries SET state = 'dead_lettered', redeliver_count = $3, dead_lettered_at = now()
			WHERE subscription = $1 AND message_id = $2`
		_, err := s.bus.db.ExecContext(ctx, deadLetter, s.name, msg.ID, nextCount)
		return err
	}

	delay := s.backoff(nextCount)
	const retry = `
		UPDATE bus_deliveries SET state = 'pending', redeliver_count = $3, next_attempt_at = now() + $4::interval
		WHERE subscription = $1 AND message_id = $2`
	_, err := s.bus.db.ExecContext(ctx, retry, s.name, msg.ID, nextCount, delay.String())
	return err
}

func (s *subscription) backoff(attempt int) time.Duration {
	base := s.bus.cfg.RedeliverBaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := s.bus.cfg.RedeliverMaxDelay
	if max <= 0 {
		max = time.Minute
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max {
		delay = max
	}
	return delay
}
