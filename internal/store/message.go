package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, account, peer, resource, body, markup_body, action,
	timestamp, delay_timestamp, incoming, is_read, sent, acknowledged, encrypted,
	offline, in_group, in_progress, error, error_text, forwarded, stanza_id,
	previous_id, parent_id, original_stanza, original_from, group_author_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*Message, error) {
	var m Message
	err := s.Scan(
		&m.ID, &m.Account, &m.Peer, &m.Resource, &m.Body, &m.MarkupBody, &m.Action,
		&m.Timestamp, &m.DelayTimestamp, &m.Incoming, &m.Read, &m.Sent, &m.Acknowledged,
		&m.Encrypted, &m.Offline, &m.InGroup, &m.InProgress, &m.Error, &m.ErrorText,
		&m.Forwarded, &m.StanzaID, &m.PreviousID, &m.ParentID, &m.OriginalStanza,
		&m.OriginalFrom, &m.GroupAuthorID,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func saveMessage(r runner, m *Message) error {
	now := time.Now().UnixMilli()
	_, err := r.Exec(`
		INSERT INTO messages (`+messageColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			markup_body = excluded.markup_body,
			timestamp = excluded.timestamp,
			delay_timestamp = excluded.delay_timestamp,
			is_read = excluded.is_read,
			sent = excluded.sent,
			acknowledged = excluded.acknowledged,
			in_progress = excluded.in_progress,
			error = excluded.error,
			error_text = excluded.error_text,
			stanza_id = excluded.stanza_id,
			original_stanza = excluded.original_stanza`,
		m.ID, m.Account, m.Peer, m.Resource, m.Body, m.MarkupBody, m.Action,
		m.Timestamp, m.DelayTimestamp, m.Incoming, m.Read, m.Sent, m.Acknowledged,
		m.Encrypted, m.Offline, m.InGroup, m.InProgress, m.Error, m.ErrorText,
		m.Forwarded, m.StanzaID, m.PreviousID, m.ParentID, m.OriginalStanza,
		m.OriginalFrom, m.GroupAuthorID, now)
	if err != nil {
		return fmt.Errorf("save message %q: %w", m.ID, err)
	}

	if _, err := r.Exec(`DELETE FROM attachments WHERE message_id = ?`, m.ID); err != nil {
		return err
	}
	for i, a := range m.Attachments {
		if _, err := r.Exec(`
			INSERT INTO attachments (id, message_id, position, file_path, file_url, title,
				mime_type, file_size, is_image, image_width, image_height, duration)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, m.ID, i, a.FilePath, a.FileURL, a.Title,
			a.MimeType, a.FileSize, a.IsImage, a.ImageWidth, a.ImageHeight, a.Duration); err != nil {
			return fmt.Errorf("save attachment %q: %w", a.ID, err)
		}
	}

	if _, err := r.Exec(`DELETE FROM message_forwards WHERE parent_id = ?`, m.ID); err != nil {
		return err
	}
	for i, child := range m.ForwardedIDs {
		if _, err := r.Exec(`
			INSERT INTO message_forwards (parent_id, position, child_id) VALUES (?, ?, ?)`,
			m.ID, i, child); err != nil {
			return fmt.Errorf("save forward link %q: %w", child, err)
		}
	}
	return nil
}

func loadChildren(r runner, m *Message) error {
	rows, err := r.Query(`
		SELECT id, message_id, file_path, file_url, title, mime_type, file_size,
			is_image, image_width, image_height, duration
		FROM attachments WHERE message_id = ? ORDER BY position`, m.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FilePath, &a.FileURL, &a.Title,
			&a.MimeType, &a.FileSize, &a.IsImage, &a.ImageWidth, &a.ImageHeight, &a.Duration); err != nil {
			return err
		}
		m.Attachments = append(m.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fwd, err := r.Query(`
		SELECT child_id FROM message_forwards WHERE parent_id = ? ORDER BY position`, m.ID)
	if err != nil {
		return err
	}
	defer func() { _ = fwd.Close() }()
	for fwd.Next() {
		var child string
		if err := fwd.Scan(&child); err != nil {
			return err
		}
		m.ForwardedIDs = append(m.ForwardedIDs, child)
	}
	return fwd.Err()
}

func getMessage(r runner, id string) (*Message, error) {
	m, err := scanMessage(r.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := loadChildren(r, m); err != nil {
		return nil, err
	}
	return m, nil
}

func unsentMessages(r runner, account, peer string) ([]Message, error) {
	rows, err := r.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE account = ? AND peer = ? AND incoming = 0 AND sent = 0
			AND error = 0 AND in_progress = 0 AND parent_id = ''
		ORDER BY timestamp ASC`, account, peer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range msgs {
		if err := loadChildren(r, &msgs[i]); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// SaveMessage inserts or updates a message with its attachments and
// forward links in one transaction.
func (db *DB) SaveMessage(m *Message) error {
	return db.WithTx(func(tx *Tx) error { return tx.SaveMessage(m) })
}

// SaveMessage inserts or updates a message within the transaction.
func (tx *Tx) SaveMessage(m *Message) error { return saveMessage(tx.tx, m) }

// GetMessage returns a message by id, or nil when missing.
func (db *DB) GetMessage(id string) (*Message, error) { return getMessage(db.DB, id) }

// GetMessage returns a message by id within the transaction, or nil.
func (tx *Tx) GetMessage(id string) (*Message, error) { return getMessage(tx.tx, id) }

// UnsentMessages returns the pending outgoing queue for a conversation,
// oldest first. Messages with uploads still in progress are excluded.
func (db *DB) UnsentMessages(account, peer string) ([]Message, error) {
	return unsentMessages(db.DB, account, peer)
}

// UnsentMessages is the transactional form used by the send drainer.
func (tx *Tx) UnsentMessages(account, peer string) ([]Message, error) {
	return unsentMessages(tx.tx, account, peer)
}

// UnsentEndpoints lists the conversations that still have queued
// outgoing messages.
func (db *DB) UnsentEndpoints() ([]Endpoint, error) {
	rows, err := db.Query(`
		SELECT DISTINCT account, peer FROM messages
		WHERE incoming = 0 AND sent = 0 AND error = 0 AND parent_id = ''
		ORDER BY account, peer`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var eps []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.Account, &e.Peer); err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}
	return eps, rows.Err()
}

// ListMessages returns conversation history using keyset pagination by
// timestamp, newest first. Forwarded payload rows are excluded.
func (db *DB) ListMessages(account, peer string, beforeTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE account = ? AND peer = ? AND parent_id = '' AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, account, peer, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range msgs {
		if err := loadChildren(db.DB, &msgs[i]); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// LastMessage returns the newest visible message of a conversation, or nil.
func (db *DB) LastMessage(account, peer string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE account = ? AND peer = ? AND parent_id = ''
		ORDER BY timestamp DESC LIMIT 1`, account, peer))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := loadChildren(db.DB, m); err != nil {
		return nil, err
	}
	return m, nil
}

// HasMessageWithStanzaID reports whether a message with the given stable
// stanza id was already recorded for the conversation. Used to drop
// duplicate deliveries from carbons and archive replay.
func (db *DB) HasMessageWithStanzaID(account, peer, stanzaID string) (bool, error) {
	if stanzaID == "" {
		return false, nil
	}
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE account = ? AND peer = ? AND stanza_id = ?`, account, peer, stanzaID).Scan(&n)
	return n > 0, err
}

// MarkSent flags a message as accepted by the stream and clears any
// previous delivery error.
func (db *DB) MarkSent(id string) error { return markSent(db.DB, id) }

// MarkSent is the transactional form used by the send drainer.
func (tx *Tx) MarkSent(id string) error { return markSent(tx.tx, id) }

func markSent(r runner, id string) error {
	_, err := r.Exec(`
		UPDATE messages SET sent = 1, error = 0, error_text = '' WHERE id = ?`, id)
	return err
}

// MarkAcknowledged flags a message as confirmed delivered. Unknown ids
// are ignored; the ack may race message deletion.
func (db *DB) MarkAcknowledged(id string) error {
	_, err := db.Exec(`UPDATE messages SET acknowledged = 1 WHERE id = ?`, id)
	return err
}

// SetError records a delivery failure on a message.
func (db *DB) SetError(id, text string) error { return setError(db.DB, id, text) }

// SetError is the transactional form used by the send drainer.
func (tx *Tx) SetError(id, text string) error { return setError(tx.tx, id, text) }

func setError(r runner, id, text string) error {
	_, err := r.Exec(`
		UPDATE messages SET error = 1, error_text = ?, in_progress = 0 WHERE id = ?`, text, id)
	return err
}

// SetErrorByStanzaID records a delivery failure reported by the server
// against the outgoing message carrying the given stanza id.
func (db *DB) SetErrorByStanzaID(account, peer, stanzaID, text string) error {
	if stanzaID == "" {
		return nil
	}
	_, err := db.Exec(`
		UPDATE messages SET error = 1, error_text = ?
		WHERE account = ? AND peer = ? AND stanza_id = ? AND incoming = 0`,
		text, account, peer, stanzaID)
	return err
}

// AcknowledgeByStanzaID confirms delivery of the outgoing message
// carrying the given stanza id. Used for room echo detection.
func (db *DB) AcknowledgeByStanzaID(account, peer, stanzaID string) error {
	if stanzaID == "" {
		return nil
	}
	_, err := db.Exec(`
		UPDATE messages SET acknowledged = 1
		WHERE account = ? AND peer = ? AND stanza_id = ? AND incoming = 0`,
		account, peer, stanzaID)
	return err
}

// ClearError resets a failed message back to the pending queue.
func (db *DB) ClearError(id string) error {
	_, err := db.Exec(`
		UPDATE messages SET error = 0, error_text = '', sent = 0 WHERE id = ?`, id)
	return err
}

// SetDelay records the effective original send time on a queued message.
func (tx *Tx) SetDelay(id string, ts int64) error {
	_, err := tx.tx.Exec(`UPDATE messages SET delay_timestamp = ? WHERE id = ?`, ts, id)
	return err
}

// MarkRead flags the given messages as read.
func (db *DB) MarkRead(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `UPDATE messages SET is_read = 1 WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	_, err := db.Exec(q, args...)
	return err
}

// MarkReadAll flags every incoming message of a conversation as read.
func (db *DB) MarkReadAll(account, peer string) error {
	_, err := db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE account = ? AND peer = ? AND incoming = 1 AND is_read = 0`, account, peer)
	return err
}

// UnreadCount returns the number of unread incoming messages in a
// conversation.
func (db *DB) UnreadCount(account, peer string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE account = ? AND peer = ? AND incoming = 1 AND is_read = 0 AND parent_id = ''`,
		account, peer).Scan(&n)
	return n, err
}

// UnreadMessages returns the unread incoming messages of a conversation
// oldest first.
func (db *DB) UnreadMessages(account, peer string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE account = ? AND peer = ? AND incoming = 1 AND is_read = 0 AND parent_id = ''
		ORDER BY timestamp ASC`, account, peer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// FirstUnreadID returns the id of the oldest unread incoming message, or
// the empty string when everything is read.
func (db *DB) FirstUnreadID(account, peer string) (string, error) {
	var id string
	err := db.QueryRow(`
		SELECT id FROM messages
		WHERE account = ? AND peer = ? AND incoming = 1 AND is_read = 0 AND parent_id = ''
		ORDER BY timestamp ASC LIMIT 1`, account, peer).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// MessagesByIDs loads the given messages in input order. Unknown ids are
// skipped.
func (db *DB) MessagesByIDs(ids []string) ([]Message, error) {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := getMessage(db.DB, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// DeleteMessages removes the given messages together with their
// attachments and forward links.
func (db *DB) DeleteMessages(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `DELETE FROM messages WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	_, err := db.Exec(q, args...)
	return err
}

// ClearHistory removes every message of a conversation.
func (db *DB) ClearHistory(account, peer string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE account = ? AND peer = ?`, account, peer)
	return err
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE parent_id = ''`).Scan(&count)
	return count, err
}
