// Package inbox implements the per-consumer dedup store (C3). Before acting
// on an event, a consumer calls SeenOrMark; DUPLICATE means the event was
// already handled and the caller should ACK without repeating work.
package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Outcome reports whether this is the first time an event has been seen by
// a given consumer.
type Outcome int

const (
	// First means the caller should proceed and perform its side effect.
	First Outcome = iota
	// Duplicate means the event was already processed; ACK and return.
	Duplicate
)

const pgUniqueViolation = "23505"

// Store persists processed-event markers keyed by (consumer, event_id), not
// by the broker's internal message ID.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB for inbox persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SeenOrMark records (consumer, eventID) as handled if it is not already
// present. It must be called inside the same transaction as the consumer's
// business side effect so the two commit atomically; the store's uniqueness
// constraint on (consumer, event_id) is the dedup mechanism itself.
func (s *Store) SeenOrMark(ctx context.Context, tx *sql.Tx, consumer string, eventID uuid.UUID, kind string, payload json.RawMessage) (Outcome, error) {
	const q = `
		INSERT INTO inbox (consumer, event_id, kind, payload, processed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (consumer, event_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, q, consumer, eventID, kind, payload)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return Duplicate, nil
		}
		return First, fmt.Errorf("inbox: seen-or-mark: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return First, fmt.Errorf("inbox: rows affected: %w", err)
	}
	if affected == 0 {
		return Duplicate, nil
	}
	return First, nil
}

// Peek reports whether (consumer, eventID) has already been marked, without
// writing anything. Useful for read-only idempotency checks outside a
// business transaction (e.g. admin tooling).
func (s *Store) Peek(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	const q = `SELECT 1 FROM inbox WHERE consumer = $1 AND event_id = $2`
	var dummy int
	err := s.db.QueryRowContext(ctx, q, consumer, eventID).Scan(&dummy)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("inbox: peek: %w", err)
	default:
		return true, nil
	}
}
