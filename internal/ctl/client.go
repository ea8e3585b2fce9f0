// Package ctl is the client side of the daemon control API, used by
// fixsyncctl and any front-end talking to a running session daemon.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fixmate/fixsync/internal/api"
	"github.com/fixmate/fixsync/internal/store"
	"github.com/go-resty/resty/v2"
)

// Client talks HTTP to a session daemon over its Unix socket.
type Client struct {
	http *resty.Client
}

// New creates a client for the daemon listening on socketPath.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	c := resty.New().
		SetTransport(transport).
		SetBaseURL("http://fixsyncd").
		SetTimeout(10 * time.Second)
	return &Client{http: c}
}

func (c *Client) get(ctx context.Context, path string, out any, params map[string]string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return checkStatus(resp)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return checkStatus(resp)
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &e); err == nil && e.Message != "" {
		return fmt.Errorf("daemon: %s (%d)", e.Message, resp.StatusCode())
	}
	return fmt.Errorf("daemon: unexpected status %d", resp.StatusCode())
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.get(ctx, "/v1/status", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists cached conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]store.Conversation, error) {
	var out struct {
		Conversations []store.Conversation `json:"conversations"`
	}
	if err := c.get(ctx, "/v1/conversations", &out, nil); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Messages lists the cached thread with peerID, oldest first.
func (c *Client) Messages(ctx context.Context, peerID string, limit int) ([]store.Message, error) {
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	params := map[string]string{}
	if limit > 0 {
		params["limit"] = fmt.Sprintf("%d", limit)
	}
	if err := c.get(ctx, "/v1/conversations/"+peerID+"/messages", &out, params); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send queues a message to peerID and returns the client message id.
func (c *Client) Send(ctx context.Context, peerID, content, mediaURL string) (string, error) {
	var out struct {
		ClientMsgID string `json:"clientMsgId"`
	}
	err := c.post(ctx, "/v1/messages", api.SendMessageRequest{
		ReceiverID: peerID,
		Body:       content,
		MediaURL:   mediaURL,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ClientMsgID, nil
}

// MarkRead marks the conversation with peerID as read.
func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	return c.post(ctx, "/v1/conversations/"+peerID+"/read", nil, nil)
}

// Close takes the thread with peerID off the daemon's poll cycle.
func (c *Client) Close(ctx context.Context, peerID string) error {
	return c.post(ctx, "/v1/conversations/"+peerID+"/close", nil, nil)
}

// Refresh requests an immediate fetch. Returns false when the daemon
// dropped the request because a fetch was already in flight.
func (c *Client) Refresh(ctx context.Context) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.post(ctx, "/v1/sync/refresh", nil, &out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// Search runs a full-text query over the cached messages.
func (c *Client) Search(ctx context.Context, query, conversation string) ([]store.SearchResult, error) {
	var out struct {
		Results []store.SearchResult `json:"results"`
	}
	params := map[string]string{"q": query}
	if conversation != "" {
		params["conversation"] = conversation
	}
	if err := c.get(ctx, "/v1/search", &out, params); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Login stores a bearer token as the session's credentials and returns the
// resolved actor id.
func (c *Client) Login(ctx context.Context, token string) (string, error) {
	var out struct {
		ActorID string `json:"actorId"`
	}
	if err := c.post(ctx, "/v1/auth/login", api.LoginRequest{Token: token}, &out); err != nil {
		return "", err
	}
	return out.ActorID, nil
}
