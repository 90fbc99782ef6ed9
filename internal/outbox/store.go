// Package outbox implements the transactional outbox pattern (C2): a
// per-service table of pending domain events, written inside the same local
// transaction as the state change that produced them, and a background
// drainer that publishes them to the event bus and marks them processed.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Row is one outbox entry. Payload is immutable once inserted.
type Row struct {
	ID           uuid.UUID
	Service      string
	Kind         string
	Payload      json.RawMessage
	Topic        string
	PartitionKey string
	Processed    bool
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Stats summarizes one service's outbox for the control surface.
type Stats struct {
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Pending   int            `json:"pending"`
	ByKind    map[string]int `json:"by_kind"`
}

// Store persists outbox rows. Insert is always called from within the
// caller's own business transaction; the drainer uses the remaining methods
// on its own separate transactions.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB for outbox persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes row inside tx, so the caller's business-state mutation and
// the event it emits commit or roll back together.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, row Row) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	const q = `
		INSERT INTO outbox (id, service, kind, payload, topic, partition_key, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())`
	_, err := tx.ExecContext(ctx, q, row.ID, row.Service, row.Kind, row.Payload, row.Topic, row.PartitionKey)
	if err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// SelectPendingBatch returns up to limit unprocessed rows for service,
// ordered by created_at ascending so the drainer preserves per-aggregate
// commit order.
func (s *Store) SelectPendingBatch(ctx context.Context, service string, limit int) ([]Row, error) {
	const q = `
		SELECT id, service, kind, payload, topic, partition_key, processed, created_at, processed_at
		FROM outbox
		WHERE service = $1 AND processed = false
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, service, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: select pending: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Service, &r.Kind, &r.Payload, &r.Topic, &r.PartitionKey,
			&r.Processed, &r.CreatedAt, &r.ProcessedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkProcessed flips a row to processed in its own transaction, separate
// from the publish call that preceded it. If the process dies between
// publish and this call, the drainer's next tick republishes; downstream
// inbox stores deduplicate.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE outbox SET processed = true, processed_at = now() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// Stats computes total/processed/pending counts and a per-kind breakdown
// for the given service.
func (s *Store) Stats(ctx context.Context, service string) (Stats, error) {
	stats := Stats{ByKind: map[string]int{}}

	const totals = `
		SELECT count(*), count(*) FILTER (WHERE processed)
		FROM outbox WHERE service = $1`
	if err := s.db.QueryRowContext(ctx, totals, service).Scan(&stats.Total, &stats.Processed); err != nil {
		return Stats{}, fmt.Errorf("outbox: stats totals: %w", err)
	}
	stats.Pending = stats.Total - stats.Processed

	const byKind = `SELECT kind, count(*) FROM outbox WHERE service = $1 GROUP BY kind`
	rows, err := s.db.QueryContext(ctx, byKind, service)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: stats by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return Stats{}, fmt.Errorf("outbox: scan by kind: %w", err)
		}
		stats.ByKind[kind] = count
	}
	return stats, rows.Err()
}
