// Package sync turns raw backend fetches into cache updates: normalize the
// batch (dropping malformed records one by one), merge against the cached
// view so each stable key appears exactly once, and persist the result in a
// single transaction so the control API never serves a half-merged list.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fixmate/fixsync/internal/bus"
	"github.com/fixmate/fixsync/internal/merge"
	"github.com/fixmate/fixsync/internal/record"
	"github.com/fixmate/fixsync/internal/rest"
	"github.com/fixmate/fixsync/internal/store"
	"go.uber.org/zap"
)

// Backend is the subset of the REST client the engine consumes.
type Backend interface {
	ListConversations(ctx context.Context) ([]map[string]any, error)
	ListMessages(ctx context.Context, peerID string) ([]map[string]any, error)
}

// ActorFunc resolves the current actor; called once per cycle so a
// re-login takes effect on the next fetch.
type ActorFunc func() (record.Actor, error)

// Engine performs one sync cycle per Fetch call. It satisfies the polling
// scheduler's Fetcher contract.
type Engine struct {
	db      *store.DB
	backend Backend
	actor   ActorFunc
	bus     *bus.Bus
	logger  *zap.Logger
	expiry  time.Duration

	mu       sync.Mutex
	watched  map[string]time.Time
	watchTTL time.Duration
}

// defaultWatchTTL bounds how long a thread stays watched after its last read.
// Without it the watch set only grows, and a long-running daemon ends up
// fetching every thread ever opened on each cycle.
const defaultWatchTTL = 5 * time.Minute

// NewEngine creates a sync engine. expiry bounds how long unconfirmed
// optimistic messages wait before being marked failed.
func NewEngine(db *store.DB, backend Backend, actor ActorFunc, b *bus.Bus, logger *zap.Logger, expiry time.Duration) *Engine {
	return &Engine{
		db:       db,
		backend:  backend,
		actor:    actor,
		bus:      b,
		logger:   logger,
		expiry:   expiry,
		watched:  make(map[string]time.Time),
		watchTTL: defaultWatchTTL,
	}
}

// Watch starts fetching the message thread with peerID on every cycle, until
// Unwatch or the watch TTL. Called whenever a front-end reads the thread, so
// an open conversation view keeps refreshing the stamp.
func (e *Engine) Watch(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched[peerID] = time.Now()
}

// Unwatch stops fetching the thread with peerID.
func (e *Engine) Unwatch(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watched, peerID)
}

func (e *Engine) watchedPeers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-e.watchTTL)
	peers := make([]string, 0, len(e.watched))
	for p, last := range e.watched {
		if last.Before(cutoff) {
			delete(e.watched, p)
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// Fetch runs one complete sync cycle: the conversation list, then the
// message thread for every watched counterpart.
func (e *Engine) Fetch(ctx context.Context) error {
	actor, err := e.actor()
	if err != nil {
		return fmt.Errorf("resolve actor: %w", err)
	}

	if err := e.syncConversations(ctx); err != nil {
		return err
	}

	for _, peer := range e.watchedPeers() {
		if err := e.syncMessages(ctx, actor, peer); err != nil {
			return err
		}
	}

	if err := e.db.SetCheckpoint("last_fetch_at", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func (e *Engine) syncConversations(ctx context.Context) error {
	raw, err := e.backend.ListConversations(ctx)
	if err != nil {
		return err
	}

	fresh := make([]*record.Conversation, 0, len(raw))
	for _, r := range raw {
		c, err := record.NormalizeConversation(r)
		if err != nil {
			// One bad record must not blank the batch.
			e.logWarn("dropping malformed conversation record", zap.Error(err))
			continue
		}
		fresh = append(fresh, c)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	cached, err := e.db.ListConversations(0, 0)
	if err != nil {
		return fmt.Errorf("read cached conversations: %w", err)
	}
	merged := merge.Conversations(toRecordConversations(cached), fresh)

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range merged {
		if _, err := tx.Exec(`
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
			c.Key, c.PeerID, c.PeerName, c.PeerAvatarURL, c.PeerRole, c.LastMessagePreview, c.UnreadCount, c.LastActivityAt, now); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversations: %w", err)
	}

	e.publish("sync.conversations_updated", len(merged))
	return nil
}

func (e *Engine) syncMessages(ctx context.Context, actor record.Actor, peerID string) error {
	raw, err := e.backend.ListMessages(ctx, peerID)
	if err != nil {
		return err
	}

	fresh := make([]*record.Message, 0, len(raw))
	for _, r := range raw {
		m, err := record.NormalizeMessage(r)
		if err != nil {
			e.logWarn("dropping malformed message record",
				zap.String("peer", peerID), zap.Error(err))
			continue
		}
		if !m.Renderable() {
			// No body and no media: nothing a view could show.
			e.logWarn("dropping empty message record",
				zap.String("peer", peerID), zap.String("key", m.Key))
			continue
		}
		fresh = append(fresh, m)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	convKey := rest.DeriveConversationID(actor.ID, peerID)

	cachedRows, err := e.db.ListMessages(convKey, 0, 0)
	if err != nil {
		return fmt.Errorf("read cached messages: %w", err)
	}
	confirmed, err := e.db.ConfirmedMappings()
	if err != nil {
		return fmt.Errorf("read confirmed mappings: %w", err)
	}

	res := merge.Messages(toRecordMessages(cachedRows), fresh, merge.Options{
		Expiry:    e.expiry,
		Confirmed: confirmed,
	})

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range res.Merged {
		sm := toStoreMessage(convKey, m, actor.ID)
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_key, msg_key, sender_id, receiver_id, body, media_url, message_type, from_me, read, status, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_key, msg_key) DO UPDATE SET
				body = excluded.body,
				media_url = excluded.media_url,
				read = excluded.read,
				status = excluded.status`,
			sm.ConversationKey, sm.MsgKey, sm.SenderID, sm.ReceiverID, sm.Body, sm.MediaURL, sm.Type, sm.FromMe, sm.Read, sm.Status, sm.SentAt, now); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
	}
	for _, clientKey := range res.Superseded {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_key = ? AND msg_key = ?`, convKey, clientKey); err != nil {
			return fmt.Errorf("delete superseded optimistic message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}

	if err := e.db.SetCheckpoint("last_fetch_at:"+convKey, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	for _, clientKey := range res.Failed {
		e.logWarn("optimistic message expired unconfirmed",
			zap.String("conversation", convKey), zap.String("client_msg_id", clientKey))
		e.publish("message.send_expired", map[string]string{
			"conversation":  convKey,
			"client_msg_id": clientKey,
		})
	}

	e.publish("message.batch_applied", map[string]any{
		"conversation": convKey,
		"count":        len(res.Merged),
	})
	return nil
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}

func (e *Engine) logWarn(msg string, fields ...zap.Field) {
	if e.logger != nil {
		e.logger.Warn(msg, fields...)
	}
}

func toRecordConversations(rows []store.Conversation) []*record.Conversation {
	out := make([]*record.Conversation, len(rows))
	for i := range rows {
		c := rows[i]
		out[i] = &record.Conversation{
			Key:                c.Key,
			PeerID:             c.PeerID,
			PeerName:           c.PeerName,
			PeerAvatarURL:      c.PeerAvatarURL,
			PeerRole:           c.PeerRole,
			LastMessagePreview: c.LastMessagePreview,
			UnreadCount:        c.UnreadCount,
			LastActivityAt:     c.LastActivityAt,
		}
	}
	return out
}

func toRecordMessages(rows []store.Message) []*record.Message {
	out := make([]*record.Message, len(rows))
	for i := range rows {
		m := rows[i]
		out[i] = &record.Message{
			Key:        m.MsgKey,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Body:       m.Body,
			MediaURL:   m.MediaURL,
			Type:       m.Type,
			Read:       m.Read,
			Status:     m.Status,
			SentAt:     m.SentAt,
		}
	}
	return out
}

func toStoreMessage(convKey string, m *record.Message, actorID string) *store.Message {
	return &store.Message{
		ConversationKey: convKey,
		MsgKey:          m.Key,
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Body:            m.Body,
		MediaURL:        m.MediaURL,
		Type:            m.Type,
		FromMe:          m.IsMine(actorID),
		Read:            m.Read,
		Status:          m.Status,
		SentAt:          m.SentAt,
	}
}
