package postgres

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// schemaLockKey serialises concurrent schema changes across processes.
const schemaLockKey = 0x70716275 // "pqbu"

var createSchema = []string{
	`CREATE TABLE IF NOT EXISTS pqbus_messages (
		id BIGSERIAL PRIMARY KEY,
		namespace TEXT NOT NULL DEFAULT 'default',
		queue TEXT NOT NULL,
		body BYTEA NOT NULL,
		state TEXT NOT NULL DEFAULT 'available' CHECK (state IN ('available', 'claimed')),
		claimed_at TIMESTAMPTZ NULL,
		claimed_by TEXT NULL,
		deliveries INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS pqbus_messages_claim_idx
		ON pqbus_messages (namespace, queue, state, id)`,
	`CREATE INDEX IF NOT EXISTS pqbus_messages_stale_idx
		ON pqbus_messages (claimed_at) WHERE state = 'claimed'`,
}

var dropSchema = []string{
	`DROP TABLE IF EXISTS pqbus_messages`,
}

// CreateSchema creates the message table and its indexes if missing.
// Safe to call concurrently and repeatedly.
func CreateSchema(ctx context.Context, db *sqlx.DB) error {
	return inTx(ctx, db, createSchema)
}

// DropSchema removes the message table and every message in it.
func DropSchema(ctx context.Context, db *sqlx.DB) error {
	return inTx(ctx, db, dropSchema)
}

func inTx(ctx context.Context, db *sqlx.DB, statements []string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Join(err, tx.Rollback())
		}
	}
	return tx.Commit()
}
