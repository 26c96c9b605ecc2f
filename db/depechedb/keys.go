package depechedb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/depeche-protocol/depeche/pkg/depeche"
)

func (db *DB) StoreOwnKeypair(privateKey, publicKey string) (string, error) {
	keyID := uuid.NewString()
	if _, err := db.x.Exec(
		`INSERT INTO nacl_key (id, is_own, private_key, public_key) VALUES (?, 1, ?, ?)`,
		keyID, privateKey, publicKey,
	); err != nil {
		return "", fmt.Errorf("store own keypair: %w", err)
	}
	return keyID, nil
}

func (db *DB) StoreContactKey(publicKey string) (string, error) {
	keyID := uuid.NewString()
	if _, err := db.x.Exec(
		`INSERT INTO nacl_key (id, is_own, private_key, public_key) VALUES (?, 0, NULL, ?)`,
		keyID, publicKey,
	); err != nil {
		return "", fmt.Errorf("store contact key: %w", err)
	}
	return keyID, nil
}

func (db *DB) LeastUsedOwnKey() (string, string, bool, error) {
	var row struct {
		ID        string `db:"id"`
		PublicKey string `db:"public_key"`
		Usage     int    `db:"usage"`
	}
	err := db.x.Get(&row, `
		SELECT nacl_key.id AS id, nacl_key.public_key AS public_key,
		       COUNT(own_address.id) AS usage
		FROM nacl_key
		LEFT JOIN own_address ON nacl_key.id = own_address.key_id
		WHERE nacl_key.is_own = 1
		GROUP BY nacl_key.id
		ORDER BY usage ASC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("least used own key: %w", err)
	}
	return row.ID, row.PublicKey, true, nil
}

func (db *DB) RemoveOwnKey(keyID string) error {
	if _, err := db.x.Exec(`DELETE FROM nacl_key WHERE id = ? AND is_own = 1`, keyID); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", depeche.ErrKeyInUse, keyID)
		}
		return fmt.Errorf("remove own key: %w", err)
	}
	return nil
}
