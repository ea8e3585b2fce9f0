// Package outbox delivers queued messages. A send is recorded twice up
// front: an outbox row driving retries, and an optimistic cache entry with
// a tmp- key so the thread view shows the message immediately. The two are
// reconciled once the backend returns the created record.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fixmate/fixsync/internal/bus"
	"github.com/fixmate/fixsync/internal/merge"
	"github.com/fixmate/fixsync/internal/record"
	"github.com/fixmate/fixsync/internal/rest"
	"github.com/fixmate/fixsync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport is the subset of the REST client the sender consumes.
type Transport interface {
	SendMessage(ctx context.Context, req rest.SendRequest) (map[string]any, error)
}

// ActorFunc resolves the current actor at queue/send time.
type ActorFunc func() (record.Actor, error)

const defaultDrainInterval = 2 * time.Second

// Sender drains the outbox in the background and exposes Queue for the
// control API.
type Sender struct {
	db        *store.DB
	transport Transport
	actor     ActorFunc
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
	started bool
}

// NewSender creates an outbox sender. interval <= 0 uses the default
// drain cadence.
func NewSender(db *store.DB, transport Transport, actor ActorFunc, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	return &Sender{
		db:        db,
		transport: transport,
		actor:     actor,
		bus:       b,
		logger:    logger,
		interval:  interval,
		kick:      make(chan struct{}, 1),
	}
}

// Queue records a pending send and its optimistic cache entry, then nudges
// the drain loop. Returns the client-side message id (tmp- prefixed).
func (s *Sender) Queue(receiverID, body, mediaURL, msgType string) (string, error) {
	actor, err := s.actor()
	if err != nil {
		return "", fmt.Errorf("resolve actor: %w", err)
	}
	if msgType == "" {
		msgType = "text"
		if mediaURL != "" {
			msgType = "file"
		}
	}

	clientID := merge.OptimisticKeyPrefix + uuid.NewString()
	convKey := rest.DeriveConversationID(actor.ID, receiverID)
	now := time.Now().UnixMilli()

	if err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: clientID,
		ReceiverID:  receiverID,
		Body:        body,
		MediaURL:    mediaURL,
		Type:        msgType,
	}); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	if err := s.db.UpsertMessage(&store.Message{
		ConversationKey: convKey,
		MsgKey:          clientID,
		SenderID:        actor.ID,
		ReceiverID:      receiverID,
		Body:            body,
		MediaURL:        mediaURL,
		Type:            msgType,
		FromMe:          true,
		Status:          "sending",
		SentAt:          now,
	}); err != nil {
		return "", fmt.Errorf("optimistic insert: %w", err)
	}

	s.publish("message.queued", map[string]string{
		"conversation":  convKey,
		"client_msg_id": clientID,
	})
	s.Kick()
	return clientID, nil
}

// Kick requests an immediate drain pass. Non-blocking.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start launches the drain loop.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop terminates the drain loop and waits for an in-flight pass.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.Drain(ctx)
	}
}

// Drain attempts delivery of every queued outbox entry once.
func (s *Sender) Drain(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logError("read outbox", err)
		return
	}
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, &pending[i])
	}
}

func (s *Sender) deliver(ctx context.Context, e *store.OutboxEntry) {
	actor, err := s.actor()
	if err != nil {
		s.logError("resolve actor", err)
		return
	}
	convKey := rest.DeriveConversationID(actor.ID, e.ReceiverID)

	if err := s.db.MarkOutboxSending(e.ClientMsgID); err != nil {
		s.logError("mark sending", err)
		return
	}

	created, err := s.transport.SendMessage(ctx, rest.SendRequest{
		ReceiverID:  e.ReceiverID,
		Body:        e.Body,
		Type:        e.Type,
		MediaURL:    e.MediaURL,
		ClientMsgID: e.ClientMsgID,
	})
	if err != nil {
		s.fail(convKey, e.ClientMsgID, err)
		return
	}

	server, err := record.NormalizeMessage(created)
	if err != nil {
		// Delivered, but the response is unusable for reconciliation.
		// The next poll will pick the server copy up by content match.
		s.logError("normalize send response", err)
		s.fail(convKey, e.ClientMsgID, err)
		return
	}

	if err := s.db.MarkOutboxSent(e.ClientMsgID, server.Key); err != nil {
		s.logError("mark sent", err)
		return
	}
	server.Status = "sent"
	if err := s.db.UpsertMessage(&store.Message{
		ConversationKey: convKey,
		MsgKey:          server.Key,
		SenderID:        server.SenderID,
		ReceiverID:      server.ReceiverID,
		Body:            server.Body,
		MediaURL:        server.MediaURL,
		Type:            server.Type,
		FromMe:          true,
		Status:          server.Status,
		SentAt:          server.SentAt,
	}); err != nil {
		s.logError("upsert server copy", err)
		return
	}
	if err := s.db.DeleteMessage(convKey, e.ClientMsgID); err != nil {
		s.logError("drop optimistic copy", err)
	}

	s.publish("message.sent", map[string]string{
		"conversation":  convKey,
		"client_msg_id": e.ClientMsgID,
		"server_msg_id": server.Key,
	})
}

func (s *Sender) fail(convKey, clientID string, cause error) {
	s.logError("send failed", cause)
	if err := s.db.MarkOutboxFailed(clientID, cause.Error()); err != nil {
		s.logError("mark outbox failed", err)
	}
	if err := s.db.MarkMessageFailed(convKey, clientID); err != nil {
		s.logError("mark message failed", err)
	}
	s.publish("message.send_failed", map[string]string{
		"conversation":  convKey,
		"client_msg_id": clientID,
		"error":         cause.Error(),
	})
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}

func (s *Sender) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, zap.Error(err))
	}
}
