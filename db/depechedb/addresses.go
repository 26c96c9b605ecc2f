package depechedb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/depeche-protocol/depeche/pkg/depeche"
)

func (db *DB) StoreOwnAddress(address, contactID, keyID string) error {
	if _, err := db.x.Exec(
		`INSERT INTO own_address (id, given_to, key_id, is_used) VALUES (?, ?, ?, 0)`,
		address, contactID, keyID,
	); err != nil {
		return fmt.Errorf("store own address: %w", err)
	}
	return nil
}

func (db *DB) MarkOwnAddressUsed(address string) error {
	if _, err := db.x.Exec(`UPDATE own_address SET is_used = 1 WHERE id = ?`, address); err != nil {
		return fmt.Errorf("mark own address: %w", err)
	}
	return nil
}

func (db *DB) RemoveOwnAddress(address string) error {
	if _, err := db.x.Exec(`DELETE FROM own_address WHERE id = ?`, address); err != nil {
		return fmt.Errorf("remove own address: %w", err)
	}
	return nil
}

func (db *DB) GetOwnAddressKey(address string) (string, string, bool, error) {
	var row struct {
		ID         string         `db:"id"`
		PrivateKey sql.NullString `db:"private_key"`
	}
	err := db.x.Get(&row, `
		SELECT nacl_key.id AS id, nacl_key.private_key AS private_key
		FROM nacl_key
		JOIN own_address ON nacl_key.id = own_address.key_id
		WHERE nacl_key.is_own = 1 AND own_address.id = ?`,
		address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("own address key: %w", err)
	}
	return row.ID, row.PrivateKey.String, true, nil
}

func (db *DB) IsOwnUnusedAddress(address string) (bool, error) {
	var n int
	if err := db.x.Get(&n, `SELECT COUNT(*) FROM own_address WHERE id = ? AND is_used = 0`, address); err != nil {
		return false, fmt.Errorf("own unused address: %w", err)
	}
	return n > 0, nil
}

func (db *DB) StoreContactAddress(contactID, address, keyID string) error {
	// replace: a contact may resend an address with a fresh key binding
	if _, err := db.x.Exec(
		`REPLACE INTO foreign_address (id, contact_id, key_id, is_used) VALUES (?, ?, ?, 0)`,
		address, contactID, keyID,
	); err != nil {
		return fmt.Errorf("store contact address: %w", err)
	}
	return nil
}

func (db *DB) MarkContactAddressUsed(address string) error {
	if _, err := db.x.Exec(`UPDATE foreign_address SET is_used = 1 WHERE id = ?`, address); err != nil {
		return fmt.Errorf("mark contact address: %w", err)
	}
	return nil
}

func (db *DB) AddressPadFor(contactID string, size int) ([]depeche.Address, error) {
	q := `
		SELECT fa.id AS id, fa.key_id AS key_id, nacl_key.public_key AS public_key
		FROM foreign_address AS fa
		JOIN nacl_key ON fa.key_id = nacl_key.id
		WHERE fa.contact_id = ? AND fa.is_used = 0`
	args := []any{contactID}
	if size > 0 {
		q += ` LIMIT ?`
		args = append(args, size)
	}

	var rows []struct {
		ID        string `db:"id"`
		KeyID     string `db:"key_id"`
		PublicKey string `db:"public_key"`
	}
	if err := db.x.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("address pad: %w", err)
	}

	pad := make([]depeche.Address, 0, len(rows))
	for _, r := range rows {
		pad = append(pad, depeche.Address{Address: r.ID, KeyID: r.KeyID, PublicKey: r.PublicKey})
	}
	return pad, nil
}

func (db *DB) UnusedAddressCount(contactID string) (int, error) {
	var n int
	if err := db.x.Get(&n,
		`SELECT COUNT(id) FROM foreign_address WHERE contact_id = ? AND is_used = 0`,
		contactID,
	); err != nil {
		return 0, fmt.Errorf("unused address count: %w", err)
	}
	return n, nil
}
