// Package depechedb implements sqlite3 persistence for a depeche node:
// contacts, keys, own and foreign addresses, and stored messages.
package depechedb

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/depeche-protocol/depeche/pkg/depeche"
)

// DB stores node state in a sqlite3 database. The underlying connection pool
// makes it safe for concurrent use by the exchange workers and the UI; each
// operation is individually atomic.
type DB struct {
	x *sqlx.DB
}

var _ depeche.Store = (*DB)(nil)

// Open opens a DB from the provided sqlite3 path and applies any pending
// migrations.
func Open(name string) (*DB, error) {
	// note: WAL keeps exchange workers from blocking UI reads
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
			"_fk":           {"true"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}

	db := &DB{x}
	if err := db.migrate(context.Background()); err != nil {
		x.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// isConstraint reports whether err is a sqlite integrity violation (foreign
// key or uniqueness).
func isConstraint(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}
