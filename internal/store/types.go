package store

// Conversation is a cached conversation summary row.
type Conversation struct {
	Key                string `json:"key"`
	PeerID             string `json:"peerId"`
	PeerName           string `json:"peerName"`
	PeerAvatarURL      string `json:"peerAvatarUrl,omitempty"`
	PeerRole           string `json:"peerRole,omitempty"`
	LastMessagePreview string `json:"lastMessagePreview,omitempty"`
	UnreadCount        int    `json:"unreadCount"`
	LastActivityAt     int64  `json:"lastActivityAt"`
}

// Message is a cached message row.
type Message struct {
	ID              int64  `json:"-"`
	ConversationKey string `json:"conversationKey"`
	MsgKey          string `json:"msgKey"`
	SenderID        string `json:"senderId"`
	ReceiverID      string `json:"receiverId,omitempty"`
	Body            string `json:"content,omitempty"`
	MediaURL        string `json:"mediaUrl,omitempty"`
	Type            string `json:"messageType"`
	FromMe          bool   `json:"fromMe"`
	Read            bool   `json:"read"`
	Status          string `json:"status"`
	SentAt          int64  `json:"sentAt"`
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID           int64  `json:"-"`
	ClientMsgID  string `json:"clientMsgId"`
	ReceiverID   string `json:"receiverId"`
	Body         string `json:"content,omitempty"`
	MediaURL     string `json:"mediaUrl,omitempty"`
	Type         string `json:"messageType"`
	Status       string `json:"status"` // queued, sending, sent, failed
	ErrorMessage string `json:"errorMessage,omitempty"`
	ServerMsgID  string `json:"serverMsgId,omitempty"`
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}
