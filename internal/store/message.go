package store

import (
	"math"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_key + msg_key).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_key, msg_key, sender_id, receiver_id, body, media_url, message_type, from_me, read, status, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key, msg_key) DO UPDATE SET
			body = excluded.body,
			media_url = excluded.media_url,
			read = excluded.read,
			status = excluded.status`,
		m.ConversationKey, m.MsgKey, m.SenderID, m.ReceiverID, m.Body, m.MediaURL, m.Type, m.FromMe, m.Read, m.Status, m.SentAt, now)
	return err
}

// DeleteMessage removes a message row, used when an optimistic entry is
// superseded by its server-confirmed counterpart.
func (db *DB) DeleteMessage(conversationKey, msgKey string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_key = ? AND msg_key = ?`, conversationKey, msgKey)
	return err
}

// MarkMessageFailed flags an unconfirmed optimistic message as failed.
func (db *DB) MarkMessageFailed(conversationKey, msgKey string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'failed' WHERE conversation_key = ? AND msg_key = ?`, conversationKey, msgKey)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by sent timestamp.
func (db *DB) ListMessages(conversationKey string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT id, conversation_key, msg_key, sender_id, receiver_id, body, media_url, message_type, from_me, read, status, sent_at
		FROM messages
		WHERE conversation_key = ? AND sent_at < ?
		ORDER BY sent_at ASC
		LIMIT ?`, conversationKey, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.MsgKey, &m.SenderID, &m.ReceiverID, &m.Body, &m.MediaURL, &m.Type, &m.FromMe, &m.Read, &m.Status, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of cached messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
