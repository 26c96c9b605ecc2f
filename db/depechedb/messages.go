package depechedb

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/depeche-protocol/depeche/pkg/depeche"
	"github.com/depeche-protocol/depeche/pkg/wire"
)

// bodies shorter than this are stored raw; gzip gains nothing on them
const compressThreshold = 512

type messageRow struct {
	ID            string    `db:"id"`
	ReceivedAt    time.Time `db:"meta_received_at"`
	LastSeenAt    time.Time `db:"meta_last_seen_at"`
	ForwardCount  int       `db:"meta_forward_count"`
	HeaderAddress string    `db:"header_address"`
	HeaderSentAt  time.Time `db:"header_sent_at"`
	BodyComp      string    `db:"body_comp"`
	Body          []byte    `db:"body"`
}

func (r *messageRow) toStored() (*depeche.StoredMessage, error) {
	body := r.Body
	switch r.BodyComp {
	case "":
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(r.Body))
		if err != nil {
			return nil, fmt.Errorf("decompress message %s: %w", r.ID, err)
		}
		if body, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompress message %s: %w", r.ID, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("decompress message %s: %w", r.ID, err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression method %q", r.BodyComp)
	}
	return &depeche.StoredMessage{
		ID:            r.ID,
		ReceivedAt:    r.ReceivedAt,
		LastSeenAt:    r.LastSeenAt,
		ForwardCount:  r.ForwardCount,
		HeaderAddress: r.HeaderAddress,
		HeaderSentAt:  r.HeaderSentAt,
		Contents:      string(body),
	}, nil
}

func encodeBody(contents string) (comp string, body []byte, err error) {
	if len(contents) < compressThreshold {
		return "", []byte(contents), nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(contents)); err != nil {
		return "", nil, fmt.Errorf("compress message body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("compress message body: %w", err)
	}
	return "gzip", buf.Bytes(), nil
}

func (db *DB) StoreMessage(m wire.UserMessage) (string, error) {
	id := depeche.MessageID(m.Contents)

	comp, body, err := encodeBody(m.Contents)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if _, err := db.x.Exec(`
		INSERT INTO message (id, meta_received_at, meta_last_seen_at, meta_forward_count,
		                     header_address, header_sent_at, body_comp, body)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET meta_last_seen_at = excluded.meta_last_seen_at`,
		id, now, now, m.ToAddress, m.SendTime, comp, body,
	); err != nil {
		return "", fmt.Errorf("store message: %w", err)
	}
	return id, nil
}

func (db *DB) ReadMessage(id string) (*depeche.StoredMessage, error) {
	var row messageRow
	err := db.x.Get(&row, `SELECT * FROM message WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return row.toStored()
}

func (db *DB) RemoveMessage(id string) error {
	if _, err := db.x.Exec(`DELETE FROM message WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove message: %w", err)
	}
	return nil
}

func (db *DB) MessagesToForward(forwardCap int) ([]depeche.StoredMessage, error) {
	var rows []messageRow
	if err := db.x.Select(&rows,
		`SELECT * FROM message WHERE meta_forward_count < ?`, forwardCap,
	); err != nil {
		return nil, fmt.Errorf("messages to forward: %w", err)
	}
	return rowsToStored(rows)
}

func (db *DB) MarkMessageForwarded(id string) error {
	if _, err := db.x.Exec(
		`UPDATE message SET meta_forward_count = meta_forward_count + 1 WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("mark message forwarded: %w", err)
	}
	return nil
}

func (db *DB) ReceivedMessages() ([]depeche.StoredMessage, error) {
	var rows []messageRow
	if err := db.x.Select(&rows, `
		SELECT message.* FROM message
		JOIN own_address ON own_address.id = message.header_address
		WHERE own_address.given_to IS NOT NULL
		ORDER BY message.meta_received_at DESC`,
	); err != nil {
		return nil, fmt.Errorf("received messages: %w", err)
	}
	return rowsToStored(rows)
}

func rowsToStored(rows []messageRow) ([]depeche.StoredMessage, error) {
	out := make([]depeche.StoredMessage, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toStored()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// CleanOutReceivedMessage removes the own address a message was delivered to
// so later replays of the same ciphertext can no longer be decrypted, and
// drops the address's key when nothing else references it. The message row
// itself stays: deleting it would only make the replay reappear at the next
// exchange.
func (db *DB) CleanOutReceivedMessage(id string) error {
	msg, err := db.ReadMessage(id)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	keyID, _, ok, err := db.GetOwnAddressKey(msg.HeaderAddress)
	if err != nil {
		return err
	}
	if !ok {
		// already cleaned, or the message was never ours
		return nil
	}

	if err := db.RemoveOwnAddress(msg.HeaderAddress); err != nil {
		return err
	}
	if err := db.RemoveOwnKey(keyID); err != nil && !errors.Is(err, depeche.ErrKeyInUse) {
		return err
	}
	return nil
}
