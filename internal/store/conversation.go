package store

import (
	"database/sql"
	"time"
)

// SaveConversationMeta inserts or updates persisted conversation state.
func (db *DB) SaveConversationMeta(m *ConversationMeta) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (account, peer, notification_mode, notification_ts,
			archived, last_position, history_requested, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, peer) DO UPDATE SET
			notification_mode = excluded.notification_mode,
			notification_ts = excluded.notification_ts,
			archived = excluded.archived,
			last_position = excluded.last_position,
			history_requested = excluded.history_requested,
			updated_at = excluded.updated_at`,
		m.Account, m.Peer, m.NotificationMode, m.NotificationTS,
		m.Archived, m.LastPosition, m.HistoryRequested, now)
	return err
}

// LoadConversationMeta returns persisted state for a conversation, or nil.
func (db *DB) LoadConversationMeta(account, peer string) (*ConversationMeta, error) {
	var m ConversationMeta
	err := db.QueryRow(`
		SELECT account, peer, notification_mode, notification_ts, archived,
			last_position, history_requested
		FROM conversations WHERE account = ? AND peer = ?`, account, peer).
		Scan(&m.Account, &m.Peer, &m.NotificationMode, &m.NotificationTS,
			&m.Archived, &m.LastPosition, &m.HistoryRequested)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListConversationMetas returns every persisted conversation of an account.
func (db *DB) ListConversationMetas(account string) ([]ConversationMeta, error) {
	rows, err := db.Query(`
		SELECT account, peer, notification_mode, notification_ts, archived,
			last_position, history_requested
		FROM conversations WHERE account = ? ORDER BY peer`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metas []ConversationMeta
	for rows.Next() {
		var m ConversationMeta
		if err := rows.Scan(&m.Account, &m.Peer, &m.NotificationMode, &m.NotificationTS,
			&m.Archived, &m.LastPosition, &m.HistoryRequested); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// DeleteConversationMeta removes persisted state for a conversation.
func (db *DB) DeleteConversationMeta(account, peer string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE account = ? AND peer = ?`, account, peer)
	return err
}

// ConversationCount returns the number of persisted conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
