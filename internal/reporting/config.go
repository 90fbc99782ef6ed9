// Package reporting holds the report adapter's runtime-configurable
// upstream: the single active data-service URL/version GENERATE_REPORT
// calls out to, hot-swappable via the control surface without a restart.
package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoActiveConfig is returned when no data-service row is marked active.
var ErrNoActiveConfig = errors.New("reporting: no active data service configured")

// Config is one data-service configuration row.
type Config struct {
	ID      uuid.UUID
	URL     string
	Version string
	Active  bool
}

// Store persists data-service configuration rows, enforcing that at most
// one is ever active via a single transactional deactivate-then-activate
// sequence.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB for data-service configuration.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Active returns the currently active data-service configuration.
func (s *Store) Active(ctx context.Context) (Config, error) {
	const q = `SELECT id, url, version, active FROM data_service_config WHERE active LIMIT 1`
	var cfg Config
	err := s.db.QueryRowContext(ctx, q).Scan(&cfg.ID, &cfg.URL, &cfg.Version, &cfg.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, ErrNoActiveConfig
		}
		return Config{}, fmt.Errorf("reporting: load active config: %w", err)
	}
	return cfg, nil
}

// Activate writes a new data-service row and makes it the sole active one,
// deactivating whatever was active before in the same transaction. No
// in-flight report call is interrupted; the next GENERATE_REPORT invocation
// reads the new row at call-start.
func (s *Store) Activate(ctx context.Context, url, version string) (Config, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Config{}, fmt.Errorf("reporting: begin activate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE data_service_config SET active = false WHERE active`); err != nil {
		return Config{}, fmt.Errorf("reporting: deactivate current: %w", err)
	}

	cfg := Config{ID: uuid.New(), URL: url, Version: version, Active: true}
	const insert = `INSERT INTO data_service_config (id, url, version, active) VALUES ($1, $2, $3, true)`
	if _, err := tx.ExecContext(ctx, insert, cfg.ID, cfg.URL, cfg.Version); err != nil {
		return Config{}, fmt.Errorf("reporting: insert new config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Config{}, fmt.Errorf("reporting: commit activate: %w", err)
	}
	return cfg, nil
}

// History lists every data-service configuration row ever written, most
// recent first, for the admin audit-trail endpoint.
func (s *Store) History(ctx context.Context) ([]Config, error) {
	const q = `SELECT id, url, version, active FROM data_service_config ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("reporting: list config history: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var cfg Config
		if err := rows.Scan(&cfg.ID, &cfg.URL, &cfg.Version, &cfg.Active); err != nil {
			return nil, fmt.Errorf("reporting: scan config history: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}
