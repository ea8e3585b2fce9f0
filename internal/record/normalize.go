package record

import (
	"fmt"
	"time"
)

// Stable-key candidate fields, in precedence order. The backend is not
// consistent about which one it sends.
var (
	conversationKeyFields = []string{"conversationId", "_id", "id"}
	messageKeyFields      = []string{"_id", "id", "messageId"}
)

// NormalizeConversation produces a canonical conversation summary from a raw
// server record, or ErrMalformedRecord if no stable key can be found.
func NormalizeConversation(raw map[string]any) (*Conversation, error) {
	key := firstString(raw, conversationKeyFields)
	if key == "" {
		return nil, fmt.Errorf("conversation: %w", ErrMalformedRecord)
	}

	c := &Conversation{
		Key:                key,
		PeerID:             refID(firstValue(raw, "participant", "otherUser", "peer", "user")),
		LastMessagePreview: firstString(raw, []string{"lastMessage", "lastMessagePreview", "preview"}),
		UnreadCount:        intField(raw, "unreadCount", "unread"),
		LastActivityAt:     timeField(raw, "lastActivityAt", "updatedAt", "timestamp"),
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}

	// Peer display fields may live on the record itself or inside the
	// embedded participant object.
	peer, _ := firstValue(raw, "participant", "otherUser", "peer", "user").(map[string]any)
	if peer != nil {
		c.PeerName = firstString(peer, []string{"name", "fullName", "displayName"})
		c.PeerAvatarURL = firstString(peer, []string{"avatarUrl", "avatar", "profileImage"})
		c.PeerRole = firstString(peer, []string{"role"})
	}
	if c.PeerName == "" {
		c.PeerName = firstString(raw, []string{"participantName", "otherUserName", "name"})
	}
	if c.PeerAvatarURL == "" {
		c.PeerAvatarURL = firstString(raw, []string{"participantAvatar", "avatarUrl"})
	}
	if c.PeerRole == "" {
		c.PeerRole = firstString(raw, []string{"participantRole", "role"})
	}
	return c, nil
}

// NormalizeMessage produces a canonical message from a raw server record,
// or ErrMalformedRecord if no stable key can be found. A sender or receiver
// reference may arrive either as a plain identifier or as an embedded
// object containing one; both resolve to the same extracted identifier.
func NormalizeMessage(raw map[string]any) (*Message, error) {
	key := firstString(raw, messageKeyFields)
	if key == "" {
		return nil, fmt.Errorf("message: %w", ErrMalformedRecord)
	}

	m := &Message{
		Key:        key,
		SenderID:   refID(firstValue(raw, "sender", "senderId", "from")),
		ReceiverID: refID(firstValue(raw, "receiver", "receiverId", "to")),
		Body:       firstString(raw, []string{"content", "body", "text"}),
		MediaURL:   firstString(raw, []string{"mediaUrl", "fileUrl", "imageUrl"}),
		Type:       firstString(raw, []string{"messageType", "type"}),
		Status:     "received",
		SentAt:     timeField(raw, "createdAt", "timestamp", "sentAt"),
	}
	if m.Type == "" {
		if m.MediaURL != "" {
			m.Type = "file"
		} else {
			m.Type = "text"
		}
	}
	if read, ok := raw["read"].(bool); ok {
		m.Read = read
	} else if read, ok := raw["isRead"].(bool); ok {
		m.Read = read
	}
	return m, nil
}

// refID extracts an identifier from a participant reference that is either
// a plain string id or an embedded object carrying one of the id fields.
func refID(v any) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]any:
		return firstString(ref, []string{"_id", "id", "userId"})
	default:
		return ""
	}
}

func firstValue(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intField(raw map[string]any, keys ...string) int {
	for _, k := range keys {
		switch n := raw[k].(type) {
		case float64: // JSON numbers decode to float64
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

// timeField returns a unix-ms timestamp from the first usable candidate
// field. Accepts JSON numbers (unix ms) and RFC3339 strings.
func timeField(raw map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case string:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return 0
}
