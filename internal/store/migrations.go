package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS verifications (
		id           TEXT PRIMARY KEY,
		tx_hash      TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'PENDING',
		limits       TEXT NOT NULL DEFAULT '{}',
		tx_json      TEXT NOT NULL,
		cycles       INTEGER NOT NULL DEFAULT 0,
		reports      TEXT NOT NULL DEFAULT '[]',
		error        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS checkpoints (
		id              TEXT PRIMARY KEY,
		verification_id TEXT NOT NULL,
		group_hash      TEXT NOT NULL,
		cycles          INTEGER NOT NULL,
		size            INTEGER NOT NULL,
		state           BLOB NOT NULL,
		created_at      TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_verifications_state ON verifications(state)`,
	`CREATE INDEX IF NOT EXISTS idx_verifications_tx_hash ON verifications(tx_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_verification_id ON checkpoints(verification_id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
