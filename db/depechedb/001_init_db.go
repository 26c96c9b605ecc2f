package depechedb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	register(1, "001_init_db", up001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE contact (
			id          TEXT PRIMARY KEY NOT NULL,
			nickname    TEXT,
			alias       TEXT,
			created_at  TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE nacl_key (
			id          TEXT PRIMARY KEY NOT NULL,
			is_own      INTEGER NOT NULL,
			private_key TEXT,
			public_key  TEXT NOT NULL
		)`,
		`CREATE TABLE foreign_address (
			id         TEXT PRIMARY KEY NOT NULL,
			contact_id TEXT NOT NULL REFERENCES contact(id),
			key_id     TEXT NOT NULL REFERENCES nacl_key(id),
			is_used    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE own_address (
			id       TEXT PRIMARY KEY NOT NULL,
			given_to TEXT REFERENCES contact(id),
			key_id   TEXT NOT NULL REFERENCES nacl_key(id),
			is_used  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE message (
			id                  TEXT PRIMARY KEY NOT NULL,
			meta_received_at    TIMESTAMP NOT NULL,
			meta_last_seen_at   TIMESTAMP NOT NULL,
			meta_forward_count  INTEGER NOT NULL DEFAULT 0,
			header_address      TEXT NOT NULL,
			header_sent_at      TIMESTAMP NOT NULL,
			body_comp           TEXT NOT NULL COLLATE NOCASE,
			body                BLOB NOT NULL
		)`,
		`CREATE INDEX foreign_address_contact_idx ON foreign_address(contact_id, is_used)`,
		`CREATE INDEX own_address_key_idx ON own_address(key_id)`,
		`CREATE INDEX message_forward_idx ON message(meta_forward_count)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
