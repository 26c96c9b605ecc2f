package depechedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/depeche-protocol/depeche/pkg/depeche"
)

type contactRow struct {
	ID         string         `db:"id"`
	Nickname   sql.NullString `db:"nickname"`
	Alias      sql.NullString `db:"alias"`
	CreatedAt  time.Time      `db:"created_at"`
	ModifiedAt time.Time      `db:"modified_at"`
}

func (r *contactRow) toContact() depeche.Contact {
	return depeche.Contact{
		ID:        r.ID,
		Nickname:  r.Nickname.String,
		Alias:     r.Alias.String,
		CreatedAt: r.CreatedAt,
	}
}

func (db *DB) StoreContact(nickname, alias string) (string, error) {
	contactID := uuid.NewString()
	now := time.Now().UTC()
	if _, err := db.x.Exec(
		`INSERT INTO contact (id, nickname, alias, created_at, modified_at) VALUES (?, ?, ?, ?, ?)`,
		contactID, nickname, alias, now, now,
	); err != nil {
		return "", fmt.Errorf("store contact: %w", err)
	}
	return contactID, nil
}

func (db *DB) ReadContact(contactID string) (*depeche.Contact, error) {
	var row contactRow
	err := db.x.Get(&row, `SELECT * FROM contact WHERE id = ? LIMIT 1`, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read contact: %w", err)
	}
	c := row.toContact()
	return &c, nil
}

func (db *DB) ReadContactFromNickname(nickname string) (*depeche.Contact, error) {
	var row contactRow
	err := db.x.Get(&row, `SELECT * FROM contact WHERE nickname = ? LIMIT 1`, nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read contact by nickname: %w", err)
	}
	c := row.toContact()
	return &c, nil
}

func (db *DB) Contacts() ([]depeche.Contact, error) {
	var rows []contactRow
	if err := db.x.Select(&rows, `SELECT * FROM contact ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	out := make([]depeche.Contact, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toContact())
	}
	return out, nil
}

func (db *DB) RemoveContact(contactID string) error {
	if _, err := db.x.Exec(`DELETE FROM contact WHERE id = ?`, contactID); err != nil {
		return fmt.Errorf("remove contact: %w", err)
	}
	return nil
}
