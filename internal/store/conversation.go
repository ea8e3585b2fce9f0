package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation summary.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (key, peer_id, peer_name, peer_avatar_url, peer_role, last_message_preview, unread_count, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_name = excluded.peer_name,
			peer_avatar_url = excluded.peer_avatar_url,
			peer_role = excluded.peer_role,
			last_message_preview = excluded.last_message_preview,
			unread_count = excluded.unread_count,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		c.Key, c.PeerID, c.PeerName, c.PeerAvatarURL, c.PeerRole, c.LastMessagePreview, c.UnreadCount, c.LastActivityAt, now)
	return err
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := db.Query(`
		SELECT key, peer_id, peer_name, peer_avatar_url, peer_role, last_message_preview, unread_count, last_activity_at
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Key, &c.PeerID, &c.PeerName, &c.PeerAvatarURL, &c.PeerRole, &c.LastMessagePreview, &c.UnreadCount, &c.LastActivityAt); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// GetConversation returns a single conversation by key, or nil when absent.
func (db *DB) GetConversation(key string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT key, peer_id, peer_name, peer_avatar_url, peer_role, last_message_preview, unread_count, last_activity_at
		FROM conversations WHERE key = ?`, key).
		Scan(&c.Key, &c.PeerID, &c.PeerName, &c.PeerAvatarURL, &c.PeerRole, &c.LastMessagePreview, &c.UnreadCount, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversationByPeer returns the conversation with the given counterpart.
func (db *DB) GetConversationByPeer(peerID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT key, peer_id, peer_name, peer_avatar_url, peer_role, last_message_preview, unread_count, last_activity_at
		FROM conversations WHERE peer_id = ?`, peerID).
		Scan(&c.Key, &c.PeerID, &c.PeerName, &c.PeerAvatarURL, &c.PeerRole, &c.LastMessagePreview, &c.UnreadCount, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkConversationRead zeroes the unread count and flags incoming messages
// as read. The backend is told separately; the local view updates
// optimistically and reconciles on the next fetch.
func (db *DB) MarkConversationRead(key string) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE key = ?`, now, key); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE messages SET read = 1 WHERE conversation_key = ? AND from_me = 0`, key)
	return err
}

// ConversationCount returns the number of cached conversations.
func (db *DB) ConversationCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}
