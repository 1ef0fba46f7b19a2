// Package store provides the Postgres-backed record stores consumed by the
// synchronizer. Action metadata is persisted as an opaque sealed blob; the
// stores never see plaintext secrets.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the two record tables. Applied idempotently at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS actions (
	id             TEXT PRIMARY KEY,
	owner          TEXT NOT NULL,
	bound_agent_id TEXT NOT NULL DEFAULT '',
	metadata       BYTEA NOT NULL,
	function_names TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS agents (
	id          TEXT PRIMARY KEY,
	author      TEXT NOT NULL,
	action_refs TEXT[] NOT NULL DEFAULT '{}',
	tool_refs   TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// ActionRecord is the stored form of an action. Metadata is the sealed
// ciphertext produced by the metadata crypto.
type ActionRecord struct {
	ID            string
	Owner         string
	BoundAgentID  string
	Metadata      []byte
	FunctionNames []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActionStore persists action records in Postgres.
type ActionStore struct {
	pool *pgxpool.Pool
}

// NewActionStore creates an action store backed by the given pool.
func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

const actionColumns = `id, owner, bound_agent_id, metadata, function_names, created_at, updated_at`

// Get fetches one action, or nil if absent.
func (s *ActionStore) Get(ctx context.Context, id string) (*ActionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	rec, err := scanAction(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.Actions.Get: %w", err)
	}
	return rec, nil
}

// Create inserts a new action record.
func (s *ActionStore) Create(ctx context.Context, rec *ActionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO actions (id, owner, bound_agent_id, metadata, function_names, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.Owner, rec.BoundAgentID, rec.Metadata, rec.FunctionNames, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.Actions.Create: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing action.
func (s *ActionStore) Update(ctx context.Context, rec *ActionRecord) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE actions
		SET owner = $2, metadata = $3, function_names = $4, updated_at = $5
		WHERE id = $1`,
		rec.ID, rec.Owner, rec.Metadata, rec.FunctionNames, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.Actions.Update: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("store.Actions.Update: action %s vanished", rec.ID)
	}
	return nil
}

// Delete removes an action and returns the deleted record, or nil if absent.
func (s *ActionStore) Delete(ctx context.Context, id string) (*ActionRecord, error) {
	row := s.pool.QueryRow(ctx, `DELETE FROM actions WHERE id = $1 RETURNING `+actionColumns, id)
	rec, err := scanAction(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.Actions.Delete: %w", err)
	}
	return rec, nil
}

// List returns actions, newest first. An empty owner returns all actions
// (admin path); otherwise results are scoped to the owner.
func (s *ActionStore) List(ctx context.Context, owner string) ([]ActionRecord, error) {
	query := `SELECT ` + actionColumns + ` FROM actions ORDER BY created_at DESC`
	args := []any{}
	if owner != "" {
		query = `SELECT ` + actionColumns + ` FROM actions WHERE owner = $1 ORDER BY created_at DESC`
		args = append(args, owner)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.Actions.List: %w", err)
	}
	defer rows.Close()

	out := make([]ActionRecord, 0)
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("store.Actions.List scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.Actions.List iteration: %w", err)
	}
	return out, nil
}

func scanAction(row pgx.Row) (*ActionRecord, error) {
	rec := &ActionRecord{}
	err := row.Scan(
		&rec.ID, &rec.Owner, &rec.BoundAgentID,
		&rec.Metadata, &rec.FunctionNames,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
