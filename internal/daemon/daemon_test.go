package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fixmate/fixsync/internal/api"
	"github.com/fixmate/fixsync/internal/bus"
	"github.com/fixmate/fixsync/internal/identity"
	"github.com/fixmate/fixsync/internal/outbox"
	"github.com/fixmate/fixsync/internal/poll"
	"github.com/fixmate/fixsync/internal/record"
	"github.com/fixmate/fixsync/internal/rest"
	"github.com/fixmate/fixsync/internal/status"
	"github.com/fixmate/fixsync/internal/store"
	intsync "github.com/fixmate/fixsync/internal/sync"
	"go.uber.org/zap"
)

type stubBackend struct{}

func (stubBackend) ListConversations(_ context.Context) ([]map[string]any, error) {
	return nil, nil
}
func (stubBackend) ListMessages(_ context.Context, _ string) ([]map[string]any, error) {
	return nil, nil
}

type stubTransport struct{}

func (stubTransport) SendMessage(_ context.Context, req rest.SendRequest) (map[string]any, error) {
	return map[string]any{
		"_id": "srv-1", "senderId": "u1", "receiverId": req.ReceiverID,
		"content": req.Body, "createdAt": float64(time.Now().UnixMilli()),
	}, nil
}

// unixClient returns an HTTP client that dials the given Unix socket no
// matter what host the URL names.
func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func writeCredentials(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "credentials.json")
	blob := `{"token":"tok-abc","user":{"_id":"u1","role":"customer"}}`
	if err := os.WriteFile(path, []byte(blob), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

type testDaemon struct {
	client    *http.Client
	db        *store.DB
	machine   *status.Machine
	scheduler *poll.Scheduler
}

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	// Use a short path to avoid the 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "fixsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	db, err := store.Open(filepath.Join(tmpDir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	machine := status.NewMachine(b)
	resolver := identity.NewResolver(identity.FileSource{Path: writeCredentials(t, tmpDir)})
	actor := func() (record.Actor, error) {
		creds, err := resolver.Resolve()
		if err != nil {
			return record.Actor{}, err
		}
		return creds.Actor, nil
	}

	engine := intsync.NewEngine(db, stubBackend{}, actor, b, zap.NewNop(), 15*time.Second)
	scheduler := poll.New(engine, machine, b, zap.NewNop(), poll.Options{Interval: time.Hour})
	sender := outbox.NewSender(db, stubTransport{}, actor, b, zap.NewNop(), time.Hour)
	handler := api.NewHandler("test", machine, scheduler, db, sender, engine, resolver, nil, zap.NewNop())

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(), handler)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { srv.Stop(context.Background()) })
	time.Sleep(50 * time.Millisecond)

	return &testDaemon{
		client:    unixClient(socketPath),
		db:        db,
		machine:   machine,
		scheduler: scheduler,
	}
}

func getJSON(t *testing.T, client *http.Client, url string, out any) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	d := startTestDaemon(t)

	var st api.StatusResponse
	getJSON(t, d.client, "http://unix/v1/status", &st)
	if st.Session != "test" {
		t.Errorf("session = %q, want test", st.Session)
	}
	if st.Status != string(status.Booting) {
		t.Errorf("status = %q, want BOOTING", st.Status)
	}
	if !st.Authenticated || st.ActorID != "u1" {
		t.Errorf("auth = %v actor = %q, want authenticated u1", st.Authenticated, st.ActorID)
	}

	// Empty cache.
	var convs struct {
		Conversations []store.Conversation `json:"conversations"`
	}
	getJSON(t, d.client, "http://unix/v1/conversations", &convs)
	if len(convs.Conversations) != 0 {
		t.Errorf("expected 0 conversations, got %d", len(convs.Conversations))
	}

	// Seed the cache, then query.
	if err := d.db.UpsertConversation(&store.Conversation{
		Key: "u1_u2", PeerID: "u2", PeerName: "Ana", LastMessagePreview: "hello", LastActivityAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.db.UpsertMessage(&store.Message{
		ConversationKey: "u1_u2", MsgKey: "m1", SenderID: "u2", Body: "hello world",
		Type: "text", Status: "received", SentAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	getJSON(t, d.client, "http://unix/v1/conversations", &convs)
	if len(convs.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs.Conversations))
	}

	var msgs struct {
		Conversation string          `json:"conversation"`
		Messages     []store.Message `json:"messages"`
	}
	getJSON(t, d.client, "http://unix/v1/conversations/u2/messages", &msgs)
	if msgs.Conversation != "u1_u2" {
		t.Errorf("conversation = %q, want u1_u2", msgs.Conversation)
	}
	if len(msgs.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs.Messages))
	}

	// Queue a send.
	body := bytes.NewBufferString(`{"receiverId":"u2","content":"test"}`)
	resp, err := d.client.Post("http://unix/v1/messages", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d, want 202", resp.StatusCode)
	}
	var send struct {
		ClientMsgID string `json:"clientMsgId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&send); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(send.ClientMsgID, "tmp-") {
		t.Errorf("clientMsgId = %q, want tmp- prefix", send.ClientMsgID)
	}

	// Search over the cache.
	var search struct {
		Results []store.SearchResult `json:"results"`
	}
	getJSON(t, d.client, "http://unix/v1/search?q=hello", &search)
	if len(search.Results) != 1 {
		t.Errorf("expected 1 search result, got %d", len(search.Results))
	}

	// Closing the thread opened above takes it off the poll cycle.
	closeResp, err := d.client.Post("http://unix/v1/conversations/u2/close", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = closeResp.Body.Close() }()
	if closeResp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want 200", closeResp.StatusCode)
	}
	var closed struct {
		Peer string `json:"peer"`
	}
	if err := json.NewDecoder(closeResp.Body).Decode(&closed); err != nil {
		t.Fatal(err)
	}
	if closed.Peer != "u2" {
		t.Errorf("peer = %q, want u2", closed.Peer)
	}
}

func TestStatusReportsAuthRequired(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "fixsync-auth-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	db, err := store.Open(filepath.Join(tmpDir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	b := bus.New()
	machine := status.NewMachine(b)
	// No credential sources at all: first run, nothing stored.
	resolver := identity.NewResolver()
	noActor := func() (record.Actor, error) {
		return record.Actor{}, identity.ErrIdentityUnavailable
	}
	engine := intsync.NewEngine(db, stubBackend{}, noActor, b, zap.NewNop(), 15*time.Second)
	scheduler := poll.New(engine, machine, b, zap.NewNop(), poll.Options{Interval: time.Hour})
	sender := outbox.NewSender(db, stubTransport{}, noActor, b, zap.NewNop(), time.Hour)
	handler := api.NewHandler("test", machine, scheduler, db, sender, engine, resolver, nil, zap.NewNop())

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(), handler)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)

	// What registerLifecycle does when resolution fails at startup.
	_ = machine.Transition(status.AuthRequired)

	client := unixClient(socketPath)
	var st api.StatusResponse
	getJSON(t, client, "http://unix/v1/status", &st)
	if st.Status != string(status.AuthRequired) {
		t.Errorf("status = %q, want AUTH_REQUIRED", st.Status)
	}
	if st.Authenticated {
		t.Error("expected authenticated = false")
	}

	// Thread reads are rejected while unauthenticated.
	resp, err := client.Get("http://unix/v1/conversations/u2/messages")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("messages status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginStoresCredentials(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FIXSYNC_TOKEN", "")

	tmpDir, err := os.MkdirTemp("/tmp", "fixsync-login-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	db, err := store.Open(filepath.Join(tmpDir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	b := bus.New()
	machine := status.NewMachine(b)
	resolver := identity.ForSession("test")
	actor := func() (record.Actor, error) {
		creds, err := resolver.Resolve()
		if err != nil {
			return record.Actor{}, err
		}
		return creds.Actor, nil
	}
	engine := intsync.NewEngine(db, stubBackend{}, actor, b, zap.NewNop(), 15*time.Second)
	scheduler := poll.New(engine, machine, b, zap.NewNop(), poll.Options{Interval: time.Hour})
	sender := outbox.NewSender(db, stubTransport{}, actor, b, zap.NewNop(), time.Hour)
	handler := api.NewHandler("test", machine, scheduler, db, sender, engine, resolver, nil, zap.NewNop())

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(), handler)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)

	client := unixClient(socketPath)
	body := bytes.NewBufferString(`{"token":"tok-xyz","user":{"_id":"u7","role":"provider"}}`)
	resp, err := client.Post("http://unix/v1/auth/login", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		ActorID string `json:"actorId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ActorID != "u7" {
		t.Errorf("actorId = %q, want u7", out.ActorID)
	}

	creds, err := resolver.Resolve()
	if err != nil {
		t.Fatalf("resolve after login: %v", err)
	}
	if creds.Token != "tok-xyz" || creds.Actor.ID != "u7" {
		t.Errorf("stored credentials = %+v", creds)
	}
}

// Regression guard for the fx graph: NewServer must take Params, not a bare
// string, or fx fails at startup with "missing type: string".
func TestNewServerCreatesSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "fixsync-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	machine := status.NewMachine(nil)
	resolver := identity.NewResolver()
	handler := api.NewHandler("fxtest", machine, poll.New(nil, machine, nil, nil, poll.Options{}), nil, nil, nil, resolver, nil, zap.NewNop())

	srv, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop(), handler)
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	srv.Stop(context.Background())
}
