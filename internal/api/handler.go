// Package api is the local control surface served over the session's Unix
// socket: status, cached reads, sends, and auth bootstrap for front-ends
// and fixsyncctl.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/fixmate/fixsync/internal/identity"
	"github.com/fixmate/fixsync/internal/outbox"
	"github.com/fixmate/fixsync/internal/poll"
	"github.com/fixmate/fixsync/internal/rest"
	"github.com/fixmate/fixsync/internal/session"
	"github.com/fixmate/fixsync/internal/status"
	"github.com/fixmate/fixsync/internal/store"
	syncengine "github.com/fixmate/fixsync/internal/sync"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Backend is the remote-call subset the handler needs beyond cached reads.
type Backend interface {
	MarkRead(ctx context.Context, actorID, peerID string) error
}

// Handler serves the control API for one session daemon.
type Handler struct {
	sessionName string
	machine     *status.Machine
	scheduler   *poll.Scheduler
	db          *store.DB
	sender      *outbox.Sender
	engine      *syncengine.Engine
	resolver    *identity.Resolver
	backend     Backend
	logger      *zap.Logger
}

// NewHandler wires the control API over the daemon's components.
func NewHandler(sessionName string, machine *status.Machine, scheduler *poll.Scheduler, db *store.DB, sender *outbox.Sender, engine *syncengine.Engine, resolver *identity.Resolver, backend Backend, logger *zap.Logger) *Handler {
	return &Handler{
		sessionName: sessionName,
		machine:     machine,
		scheduler:   scheduler,
		db:          db,
		sender:      sender,
		engine:      engine,
		resolver:    resolver,
		backend:     backend,
		logger:      logger,
	}
}

// Register mounts all routes on e.
func (h *Handler) Register(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.GET("/status", h.Status)
	v1.GET("/conversations", h.ListConversations)
	v1.GET("/conversations/:peer/messages", h.ListMessages)
	v1.POST("/conversations/:peer/read", h.MarkRead)
	v1.POST("/conversations/:peer/close", h.CloseThread)
	v1.POST("/messages", h.SendMessage)
	v1.POST("/sync/refresh", h.Refresh)
	v1.GET("/search", h.Search)
	v1.POST("/auth/login", h.Login)
}

// StatusResponse reports daemon health for one session.
type StatusResponse struct {
	Session       string `json:"session"`
	Status        string `json:"status"`
	FetchState    string `json:"fetchState"`
	Authenticated bool   `json:"authenticated"`
	ActorID       string `json:"actorId,omitempty"`
	LastFetchAt   string `json:"lastFetchAt,omitempty"`
}

func (h *Handler) Status(c echo.Context) error {
	resp := StatusResponse{
		Session:    h.sessionName,
		Status:     string(h.machine.Current()),
		FetchState: string(h.scheduler.State()),
	}
	if creds, err := h.resolver.Resolve(); err == nil {
		resp.Authenticated = true
		resp.ActorID = creds.Actor.ID
	}
	if v, err := h.db.GetCheckpoint("last_fetch_at"); err == nil {
		resp.LastFetchAt = v
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListConversations(c echo.Context) error {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	convos, err := h.db.ListConversations(limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if convos == nil {
		convos = []store.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": convos})
}

func (h *Handler) ListMessages(c echo.Context) error {
	peer := c.Param("peer")
	creds, err := h.resolver.Resolve()
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	// Opening a thread puts it on the poll cycle and schedules a refresh
	// so the view catches up without waiting a full interval.
	h.engine.Watch(peer)
	h.scheduler.Refresh()

	convKey := rest.DeriveConversationID(creds.Actor.ID, peer)
	before := int64(intQuery(c, "before", 0))
	limit := intQuery(c, "limit", 50)
	msgs, err := h.db.ListMessages(convKey, before, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversation": convKey,
		"messages":     msgs,
	})
}

// SendMessageRequest queues an outgoing message.
type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Body       string `json:"content"`
	MediaURL   string `json:"mediaUrl"`
	Type       string `json:"messageType"`
}

func (h *Handler) SendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ReceiverID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "receiverId is required")
	}
	if req.Body == "" && req.MediaURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content or mediaUrl is required")
	}

	clientID, err := h.sender.Queue(req.ReceiverID, req.Body, req.MediaURL, req.Type)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityUnavailable) {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"clientMsgId": clientID})
}

func (h *Handler) MarkRead(c echo.Context) error {
	peer := c.Param("peer")
	creds, err := h.resolver.Resolve()
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	convKey := rest.DeriveConversationID(creds.Actor.ID, peer)
	if err := h.db.MarkConversationRead(convKey); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.backend != nil {
		if err := h.backend.MarkRead(c.Request().Context(), creds.Actor.ID, peer); err != nil {
			// Local state is updated; the backend catches up on the next
			// successful call. Not worth failing the request over.
			h.logWarn("mark read upstream failed", zap.Error(err))
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"conversation": convKey})
}

// CloseThread takes a thread off the poll cycle when a front-end closes the
// conversation view. Threads left open drop off on their own once the watch
// stamp ages out.
func (h *Handler) CloseThread(c echo.Context) error {
	peer := c.Param("peer")
	h.engine.Unwatch(peer)
	return c.JSON(http.StatusOK, map[string]string{"peer": peer})
}

func (h *Handler) Refresh(c echo.Context) error {
	accepted := h.scheduler.Refresh()
	return c.JSON(http.StatusOK, map[string]bool{"accepted": accepted})
}

func (h *Handler) Search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	results, err := h.db.SearchMessages(q, c.QueryParam("conversation"), intQuery(c, "limit", 20))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// LoginRequest stores a bearer token (and optionally the user object) as
// the session's credentials.
type LoginRequest struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user,omitempty"`
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}

	blob := map[string]json.RawMessage{
		"token": mustJSON(req.Token),
	}
	if len(req.User) > 0 {
		blob["user"] = req.User
	}
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := session.EnsureDir(h.sessionName); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := os.WriteFile(session.CredentialsPath(h.sessionName), data, 0600); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	creds, err := h.resolver.Resolve()
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "stored credentials are not usable: "+err.Error())
	}

	h.scheduler.Refresh()
	return c.JSON(http.StatusOK, map[string]string{"actorId": creds.Actor.ID})
}

func (h *Handler) logWarn(msg string, fields ...zap.Field) {
	if h.logger != nil {
		h.logger.Warn(msg, fields...)
	}
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func intQuery(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
