// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

// Schema applied by NewPostgresRegistry if the nodes table does not
// exist yet.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    name              text PRIMARY KEY,
    state             text NOT NULL,
    cloud_instance_id text NOT NULL DEFAULT '',
    state_entered_at  timestamptz NOT NULL,
    platform          text NOT NULL DEFAULT '',
    retry_count       integer NOT NULL DEFAULT 0
)`

// PostgresRegistry is a Registry backed by a PostgreSQL table. The
// compare-and-set contract is enforced with a conditional UPDATE: the
// row is only touched if it is still in the state the caller saw.
type PostgresRegistry struct {
	db *sqlx.DB
}

// NewPostgresRegistry connects using the given libpq connection
// string and ensures the schema exists.
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresRegistry{db: db}, nil
}

// Close releases the connection pool.
func (pr *PostgresRegistry) Close() error {
	return pr.db.Close()
}

// Get implements Registry.
func (pr *PostgresRegistry) Get(ctx context.Context, name string) (NodeRecord, error) {
	var rec NodeRecord
	err := pr.db.GetContext(ctx, &rec, `SELECT name, state, cloud_instance_id, state_entered_at, platform, retry_count FROM nodes WHERE name=$1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRecord{}, ErrNotFound
	}
	return rec, err
}

// Upsert implements Registry.
func (pr *PostgresRegistry) Upsert(ctx context.Context, rec NodeRecord, prevState State) error {
	// Creating a record is only legitimate when the caller
	// expects none (prevState Off); otherwise the existing row
	// must still be in prevState. Either way, exactly one row
	// affected means the CAS won.
	var res sql.Result
	var err error
	if prevState == StateOff {
		res, err = pr.db.ExecContext(ctx, `
			INSERT INTO nodes (name, state, cloud_instance_id, state_entered_at, platform, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (name) DO UPDATE
			SET state=EXCLUDED.state,
			    cloud_instance_id=EXCLUDED.cloud_instance_id,
			    state_entered_at=GREATEST(nodes.state_entered_at, EXCLUDED.state_entered_at),
			    retry_count=EXCLUDED.retry_count
			WHERE nodes.state=$7`,
			rec.Name, rec.State, rec.CloudInstanceID, rec.StateEnteredAt, rec.Platform, rec.RetryCount, prevState)
	} else {
		res, err = pr.db.ExecContext(ctx, `
			UPDATE nodes
			SET state=$2,
			    cloud_instance_id=$3,
			    state_entered_at=GREATEST(state_entered_at, $4),
			    retry_count=$5
			WHERE name=$1 AND state=$6`,
			rec.Name, rec.State, rec.CloudInstanceID, rec.StateEnteredAt, rec.RetryCount, prevState)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	return nil
}

// List implements Registry.
func (pr *PostgresRegistry) List(ctx context.Context) ([]NodeRecord, error) {
	var recs []NodeRecord
	err := pr.db.SelectContext(ctx, &recs, `SELECT name, state, cloud_instance_id, state_entered_at, platform, retry_count FROM nodes ORDER BY name`)
	return recs, err
}

// Delete implements Registry.
func (pr *PostgresRegistry) Delete(ctx context.Context, name string) error {
	_, err := pr.db.ExecContext(ctx, `DELETE FROM nodes WHERE name=$1`, name)
	return err
}
