// Package rest is the client for the FixMate backend's conversation API.
// It owns the external contract: endpoint shapes, bearer credential
// injection, the 401/403 → re-auth signal, and the derived conversation id
// used by mark-as-read.
package rest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrAuthRejected signals that the backend refused the bearer credential
// (401/403). Callers must trigger re-authentication instead of retrying.
var ErrAuthRejected = errors.New("backend rejected credentials")

// TokenSource supplies the current bearer token. It is called per request
// so a refreshed credential is picked up without rebuilding the client.
type TokenSource func() (string, error)

// Client talks to the backend conversation endpoints.
type Client struct {
	http  *resty.Client
	token TokenSource
}

// NewClient creates a backend client with a bounded per-request wait.
func NewClient(baseURL string, token TokenSource, timeout time.Duration) *Client {
	return &Client{
		http:  resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		token: token,
	}
}

// ListConversations fetches the conversation summaries for the current
// actor. Records are returned raw; normalization happens in the sync engine
// so that one malformed record cannot fail the batch.
func (c *Client) ListConversations(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.get(ctx, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches the message history with a counterpart.
func (c *Client) ListMessages(ctx context.Context, peerID string) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.get(ctx, "/api/messages/"+peerID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendRequest is an outgoing message.
type SendRequest struct {
	ReceiverID  string `json:"receiverId"`
	Body        string `json:"content,omitempty"`
	Type        string `json:"messageType"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// SendMessage posts a message and returns the created record as the server
// sees it, for optimistic-entry reconciliation.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (map[string]any, error) {
	tok, err := c.token()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetBody(req).
		SetResult(&out).
		Post("/api/messages")
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks the conversation with peerID as read for the current
// actor. The conversation id is derived client-side; see
// DeriveConversationID for the contract.
func (c *Client) MarkRead(ctx context.Context, actorID, peerID string) error {
	tok, err := c.token()
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetBody(map[string]string{"conversationId": DeriveConversationID(actorID, peerID)}).
		Put("/api/messages/read")
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return checkStatus(resp)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	tok, err := c.token()
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return checkStatus(resp)
}

func checkStatus(resp *resty.Response) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return fmt.Errorf("%s: %w", resp.Request.URL, ErrAuthRejected)
	default:
		return fmt.Errorf("%s: backend returned %d", resp.Request.URL, resp.StatusCode())
	}
}

// DeriveConversationID builds the conversation identifier for a participant
// pair: the two ids sorted lexicographically and joined with "_". This must
// match the backend's own derivation exactly or read receipts silently
// no-op, so it lives here as a single tested contract.
func DeriveConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}
