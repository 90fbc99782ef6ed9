package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a saga ID has no corresponding row.
var ErrNotFound = errors.New("saga: not found")

// ErrVersionConflict is returned by Update when the saga was modified
// concurrently since the caller last read it.
var ErrVersionConflict = errors.New("saga: version conflict")

// terminalStates lists every state ListPending excludes.
var terminalStates = []State{StateCompleted, StateFailed, StateCompensated, StateTimedOut}

// Store persists saga headers, steps, and compensations. Header and
// collection writes for a single saga are always transactional together.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB for saga persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection pool so callers (the engine) can open
// a transaction spanning a saga write and an outbox insert.
func (s *Store) DB() *sql.DB { return s.db }

// Create inserts a new saga with its pre-enumerated steps inside tx.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, saga *Saga) error {
	if saga.ID == uuid.Nil {
		saga.ID = uuid.New()
	}
	if saga.Version == 0 {
		saga.Version = 1
	}

	const insertHeader = `
		INSERT INTO saga_log (id, type, state, initial_payload, started_at, timeout_minutes, version)
		VALUES ($1, $2, $3, $4, now(), $5, $6)`
	if _, err := tx.ExecContext(ctx, insertHeader, saga.ID, saga.Type, saga.State,
		saga.InitialPayload, saga.TimeoutMinutes, saga.Version); err != nil {
		return fmt.Errorf("saga: create header: %w", err)
	}

	for i := range saga.Steps {
		saga.Steps[i].SagaID = saga.ID
		if saga.Steps[i].ID == uuid.Nil {
			saga.Steps[i].ID = uuid.New()
		}
		if err := insertStep(ctx, tx, saga.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, st Step) error {
	const q = `
		INSERT INTO saga_steps (id, saga_id, sequence, kind, input, result, success, error, executed_at, pending_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`
	_, err := tx.ExecContext(ctx, q, st.ID, st.SagaID, st.Sequence, st.Kind, st.Input,
		st.Result, st.Success, st.Error, st.ExecutedAt, st.PendingRef)
	if err != nil {
		return fmt.Errorf("saga: insert step: %w", err)
	}
	return nil
}

func insertCompensation(ctx context.Context, tx *sql.Tx, c Compensation) error {
	const q = `
		INSERT INTO saga_compensations (id, saga_id, step_id, kind, input, result, success, error, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`
	_, err := tx.ExecContext(ctx, q, c.ID, c.SagaID, c.StepID, c.Kind, c.Input, c.Result, c.Success, c.Error, c.ExecutedAt)
	if err != nil {
		return fmt.Errorf("saga: insert compensation: %w", err)
	}
	return nil
}

// Update rewrites saga's header, steps, and compensations inside tx,
// enforcing optimistic concurrency against expectedVersion. Step and
// compensation collections are replaced wholesale so no partial list is ever
// observable.
func (s *Store) Update(ctx context.Context, tx *sql.Tx, saga *Saga, expectedVersion int64) error {
	newVersion := expectedVersion + 1

	const updateHeader = `
		UPDATE saga_log
		SET state = $1, ended_at = $2, error_message = $3, version = $4
		WHERE id = $5 AND version = $6`
	res, err := tx.ExecContext(ctx, updateHeader, saga.State, saga.EndedAt, saga.ErrorMessage,
		newVersion, saga.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("saga: update header: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saga: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	saga.Version = newVersion

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_steps WHERE saga_id = $1`, saga.ID); err != nil {
		return fmt.Errorf("saga: clear steps: %w", err)
	}
	for i := range saga.Steps {
		saga.Steps[i].SagaID = saga.ID
		if saga.Steps[i].ID == uuid.Nil {
			saga.Steps[i].ID = uuid.New()
		}
		if err := insertStep(ctx, tx, saga.Steps[i]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_compensations WHERE saga_id = $1`, saga.ID); err != nil {
		return fmt.Errorf("saga: clear compensations: %w", err)
	}
	for i := range saga.Compensations {
		saga.Compensations[i].SagaID = saga.ID
		if saga.Compensations[i].ID == uuid.Nil {
			saga.Compensations[i].ID = uuid.New()
		}
		if err := insertCompensation(ctx, tx, saga.Compensations[i]); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a saga with its steps and compensations.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Saga, error) {
	const headerQ = `
		SELECT id, type, state, initial_payload, started_at, ended_at, error_message, timeout_minutes, version
		FROM saga_log WHERE id = $1`
	saga := &Saga{}
	var errMsg sql.NullString
	row := s.db.QueryRowContext(ctx, headerQ, id)
	if err := row.Scan(&saga.ID, &saga.Type, &saga.State, &saga.InitialPayload, &saga.StartedAt,
		&saga.EndedAt, &errMsg, &saga.TimeoutMinutes, &saga.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("saga: get header: %w", err)
	}
	saga.ErrorMessage = errMsg.String

	steps, err := s.steps(ctx, id)
	if err != nil {
		return nil, err
	}
	saga.Steps = steps

	comps, err := s.compensations(ctx, id)
	if err != nil {
		return nil, err
	}
	saga.Compensations = comps

	return saga, nil
}

func (s *Store) steps(ctx context.Context, sagaID uuid.UUID) ([]Step, error) {
	const q = `
		SELECT id, saga_id, sequence, kind, input, result, success, error, executed_at, pending_ref
		FROM saga_steps WHERE saga_id = $1 ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("saga: list steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var st Step
		var errMsg sql.NullString
		var pendingRef sql.NullString
		if err := rows.Scan(&st.ID, &st.SagaID, &st.Sequence, &st.Kind, &st.Input, &st.Result,
			&st.Success, &errMsg, &st.ExecutedAt, &pendingRef); err != nil {
			return nil, fmt.Errorf("saga: scan step: %w", err)
		}
		st.Error = errMsg.String
		if pendingRef.Valid {
			ref := pendingRef.String
			st.PendingRef = &ref
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) compensations(ctx context.Context, sagaID uuid.UUID) ([]Compensation, error) {
	const q = `
		SELECT id, saga_id, step_id, kind, input, result, success, error, executed_at
		FROM saga_compensations WHERE saga_id = $1 ORDER BY executed_at ASC NULLS LAST`
	rows, err := s.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("saga: list compensations: %w", err)
	}
	defer rows.Close()

	var out []Compensation
	for rows.Next() {
		var c Compensation
		var errMsg sql.NullString
		if err := rows.Scan(&c.ID, &c.SagaID, &c.StepID, &c.Kind, &c.Input, &c.Result,
			&c.Success, &errMsg, &c.ExecutedAt); err != nil {
			return nil, fmt.Errorf("saga: scan compensation: %w", err)
		}
		c.Error = errMsg.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListByState returns sagas in the given state, most recently started first.
func (s *Store) ListByState(ctx context.Context, state State, limit, offset int) ([]*Saga, error) {
	return s.listByIDs(ctx, `SELECT id FROM saga_log WHERE state = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, state, limit, offset)
}

// ListByType returns sagas of the given type, most recently started first.
func (s *Store) ListByType(ctx context.Context, sagaType string, limit, offset int) ([]*Saga, error) {
	return s.listByIDs(ctx, `SELECT id FROM saga_log WHERE type = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, sagaType, limit, offset)
}

// List returns every saga, optionally filtered, most recently started first.
func (s *Store) List(ctx context.Context, state State, sagaType string, limit, offset int) ([]*Saga, error) {
	switch {
	case state != "" && sagaType != "":
		return s.listByIDs(ctx, `SELECT id FROM saga_log WHERE state = $1 AND type = $4 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, state, limit, offset, sagaType)
	case state != "":
		return s.ListByState(ctx, state, limit, offset)
	case sagaType != "":
		return s.ListByType(ctx, sagaType, limit, offset)
	default:
		return s.listByIDs(ctx, `SELECT id FROM saga_log ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
}

// ListPending returns every saga not in a terminal state, oldest first (the
// order the timeout sweeper wants).
func (s *Store) ListPending(ctx context.Context) ([]*Saga, error) {
	const q = `SELECT id FROM saga_log WHERE state NOT IN ($1, $2, $3, $4) ORDER BY started_at ASC`
	return s.listByIDs(ctx, q, terminalStates[0], terminalStates[1], terminalStates[2], terminalStates[3])
}

func (s *Store) listByIDs(ctx context.Context, query string, args ...interface{}) ([]*Saga, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("saga: list ids: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("saga: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*Saga, 0, len(ids))
	for _, id := range ids {
		saga, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, saga)
	}
	return out, nil
}

// Delete removes a saga and its steps/compensations. Test-only; production
// callers should rely on terminal state and retention, not deletion.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saga: delete begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_compensations WHERE saga_id = $1`, id); err != nil {
		return fmt.Errorf("saga: delete compensations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_steps WHERE saga_id = $1`, id); err != nil {
		return fmt.Errorf("saga: delete steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM saga_log WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("saga: delete header: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saga: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
