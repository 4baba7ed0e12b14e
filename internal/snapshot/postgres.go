package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loopmarket/loop-engine/internal/graph"
)

// PostgresStore implements Store using PostgreSQL. Snapshots are stored
// whole as JSONB, one row per tenant.
//
// Schema:
//
//	CREATE TABLE graph_snapshots (
//	    tenant_id  TEXT PRIMARY KEY,
//	    state      JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed snapshot store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, snap *graph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", snap.TenantID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO graph_snapshots (tenant_id, state, updated_at)
		 VALUES ($1, $2::JSONB, $3)
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		snap.TenantID, data, time.Now().UTC(),
	)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, tenantID string) (*graph.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM graph_snapshots WHERE tenant_id = $1`, tenantID).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", tenantID, err)
	}

	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for %s: %w", tenantID, err)
	}
	return &snap, nil
}

func (s *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id FROM graph_snapshots ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM graph_snapshots WHERE tenant_id = $1`, tenantID)
	return err
}
