package depechedb

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	version int
	name    string
	up      func(context.Context, *sqlx.Tx) error
}

var migrations []migration

func register(version int, name string, up func(context.Context, *sqlx.Tx) error) {
	migrations = append(migrations, migration{version, name, up})
}

// migrate brings the schema to the latest registered version. The version is
// tracked in PRAGMA user_version and each migration runs in its own
// transaction.
func (db *DB) migrate(ctx context.Context) error {
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	var current int
	if err := db.x.GetContext(ctx, &current, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.x.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", m.name, err)
		}
		if err := m.up(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		// note: PRAGMA does not take placeholders
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.name, err)
		}
		current = m.version
	}
	return nil
}
