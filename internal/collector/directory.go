package collector

import (
	"context"
	"database/sql"
	"fmt"
)

// Directory answers the affiliate/campaign existence and permission
// questions the validation pipeline needs. Backed by Postgres; affiliate
// and campaign master data is assumed to live in the same database as the
// rest of the platform's durable stores.
type Directory struct {
	db *sql.DB
}

// NewDirectory wraps a *sql.DB for affiliate/campaign lookups.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// AffiliateActive reports whether id exists and is active.
func (d *Directory) AffiliateActive(ctx context.Context, id string) (bool, error) {
	const q = `SELECT active FROM affiliates WHERE id = $1`
	var active bool
	err := d.db.QueryRowContext(ctx, q, id).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("collector: affiliate lookup: %w", err)
	}
	return active, nil
}

// AffiliateCanEmit reports whether the affiliate has permission to emit
// events of the given kind.
func (d *Directory) AffiliateCanEmit(ctx context.Context, id string, kind Kind) (bool, error) {
	const q = `SELECT $2 = ANY(permissions) FROM affiliates WHERE id = $1`
	var allowed bool
	err := d.db.QueryRowContext(ctx, q, id, string(kind)).Scan(&allowed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("collector: affiliate permission lookup: %w", err)
	}
	return allowed, nil
}

// CampaignActive reports whether id exists and is active. An empty id is
// treated as "no campaign named", which validation short-circuits past.
func (d *Directory) CampaignActive(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return true, nil
	}
	const q = `SELECT active FROM campaigns WHERE id = $1`
	var active bool
	err := d.db.QueryRowContext(ctx, q, id).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("collector: campaign lookup: %w", err)
	}
	return active, nil
}
