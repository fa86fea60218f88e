package store

// SearchMessages performs a full-text search on message bodies within an
// account, optionally restricted to one conversation.
func (db *DB) SearchMessages(account, query, peer string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + prefixedMessageColumns + `,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ? AND m.account = ? AND m.parent_id = ''`

	args := []any{query, account}
	if peer != "" {
		q += " AND m.peer = ?"
		args = append(args, peer)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m := &r.Message
		if err := rows.Scan(
			&m.ID, &m.Account, &m.Peer, &m.Resource, &m.Body, &m.MarkupBody, &m.Action,
			&m.Timestamp, &m.DelayTimestamp, &m.Incoming, &m.Read, &m.Sent, &m.Acknowledged,
			&m.Encrypted, &m.Offline, &m.InGroup, &m.InProgress, &m.Error, &m.ErrorText,
			&m.Forwarded, &m.StanzaID, &m.PreviousID, &m.ParentID, &m.OriginalStanza,
			&m.OriginalFrom, &m.GroupAuthorID, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

const prefixedMessageColumns = `m.id, m.account, m.peer, m.resource, m.body, m.markup_body,
	m.action, m.timestamp, m.delay_timestamp, m.incoming, m.is_read, m.sent, m.acknowledged,
	m.encrypted, m.offline, m.in_group, m.in_progress, m.error, m.error_text, m.forwarded,
	m.stanza_id, m.previous_id, m.parent_id, m.original_stanza, m.original_from, m.group_author_id`
