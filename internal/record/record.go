// Package record defines the canonical, shape-independent form of the
// backend's conversation and message payloads, and the normalizer that
// produces it from loosely-typed server records.
package record

import "errors"

// ErrMalformedRecord is returned when a server record carries no usable
// stable key among the known candidate fields. Callers drop the single
// offending record and continue with the rest of the batch.
var ErrMalformedRecord = errors.New("malformed record: no stable key")

// Role tags an actor in the marketplace.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
	RoleAdmin    Role = "admin"
)

// Actor is the resolved identity of the current session.
type Actor struct {
	ID   string
	Role Role
}

// Conversation is the canonical form of a conversation summary.
type Conversation struct {
	Key                string
	PeerID             string
	PeerName           string
	PeerAvatarURL      string
	PeerRole           string
	LastMessagePreview string
	UnreadCount        int
	LastActivityAt     int64 // unix ms
}

// Message is the canonical form of a message record.
type Message struct {
	Key        string
	SenderID   string
	ReceiverID string
	Body       string
	MediaURL   string
	Type       string // text, image, file, location
	Read       bool
	Status     string // received, sending, sent, failed
	SentAt     int64  // unix ms
}

// Renderable reports whether the message carries content a view can show:
// a text body or a media reference (at least one must be present).
func (m *Message) Renderable() bool {
	return m.Body != "" || m.MediaURL != ""
}

// IsMine reports whether the message was authored by the given actor.
// Comparison always uses the canonical sender identifier, so the result
// is the same whether the server sent the sender as a bare id or as an
// embedded participant object.
func (m *Message) IsMine(actorID string) bool {
	return actorID != "" && m.SenderID == actorID
}
