package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertContact inserts or updates a roster contact.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (account, jid, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		c.Account, c.JID, c.Name, now)
	return err
}

// BulkUpsertContacts replaces the roster of an account in one transaction.
func (db *DB) BulkUpsertContacts(account string, contacts []Contact) error {
	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.tx.Exec(`DELETE FROM contacts WHERE account = ?`, account); err != nil {
			return fmt.Errorf("clear roster: %w", err)
		}
		now := time.Now().UnixMilli()
		for _, c := range contacts {
			if _, err := tx.tx.Exec(`
				INSERT INTO contacts (account, jid, name, updated_at)
				VALUES (?, ?, ?, ?)`,
				account, c.JID, c.Name, now); err != nil {
				return fmt.Errorf("upsert contact %q: %w", c.JID, err)
			}
		}
		return nil
	})
}

// GetContact returns a roster contact, or nil when unknown.
func (db *DB) GetContact(account, jid string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`
		SELECT account, jid, name FROM contacts WHERE account = ? AND jid = ?`,
		account, jid).Scan(&c.Account, &c.JID, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IsContact reports whether the bare jid is on the account's roster.
func (db *DB) IsContact(account, jid string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM contacts WHERE account = ? AND jid = ?`, account, jid).Scan(&n)
	return n > 0, err
}

// DeleteContact removes a roster contact.
func (db *DB) DeleteContact(account, jid string) error {
	_, err := db.Exec(`DELETE FROM contacts WHERE account = ? AND jid = ?`, account, jid)
	return err
}

// SaveRoom inserts or updates a group room membership.
func (db *DB) SaveRoom(r *Room) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (account, jid, nick, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, jid) DO UPDATE SET
			nick = excluded.nick,
			updated_at = excluded.updated_at`,
		r.Account, r.JID, r.Nick, now)
	return err
}

// GetRoom returns a room membership, or nil when the account has not
// joined the room.
func (db *DB) GetRoom(account, jid string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT account, jid, nick FROM rooms WHERE account = ? AND jid = ?`,
		account, jid).Scan(&r.Account, &r.JID, &r.Nick)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// HasRoom reports whether the account has a persisted membership for the
// room.
func (db *DB) HasRoom(account, jid string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM rooms WHERE account = ? AND jid = ?`, account, jid).Scan(&n)
	return n > 0, err
}

// DeleteRoom removes a room membership.
func (db *DB) DeleteRoom(account, jid string) error {
	_, err := db.Exec(`DELETE FROM rooms WHERE account = ? AND jid = ?`, account, jid)
	return err
}
