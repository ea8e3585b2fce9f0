package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fixmate/fixsync/internal/bus"
	"github.com/fixmate/fixsync/internal/rest"
	"github.com/fixmate/fixsync/internal/status"
)

// mockFetcher records calls and can be held mid-fetch to observe the
// Fetching state from outside.
type mockFetcher struct {
	mu        sync.Mutex
	calls     int
	inFlight  int
	maxFlight int
	err       error
	block     chan struct{} // fetch waits on this when non-nil
	entered   chan struct{} // signalled once per fetch start
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{entered: make(chan struct{}, 16)}
}

func (m *mockFetcher) Fetch(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	block := m.block
	err := m.err
	m.mu.Unlock()

	m.entered <- struct{}{}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
	return err
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// A second trigger arriving while a fetch is in flight must be dropped, not
// queued: the fetcher sees exactly one invocation until the first resolves.
func TestNoOverlappingFetches(t *testing.T) {
	f := newMockFetcher()
	f.block = make(chan struct{})

	s := New(f, nil, nil, nil, Options{Interval: 20 * time.Millisecond, Timeout: time.Second})
	s.Start(context.Background())
	defer s.Stop()

	<-f.entered

	// Several tick periods elapse while the first fetch is held.
	time.Sleep(150 * time.Millisecond)
	if got := f.callCount(); got != 1 {
		t.Fatalf("got %d fetch calls while first in flight, want 1", got)
	}
	if s.State() != Fetching {
		t.Errorf("state = %s, want FETCHING", s.State())
	}

	close(f.block)
	waitFor(t, "second fetch after release", func() bool { return f.callCount() >= 2 })

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxFlight != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", f.maxFlight)
	}
}

func TestManualRefreshDroppedWhileFetching(t *testing.T) {
	f := newMockFetcher()
	f.block = make(chan struct{})

	s := New(f, nil, nil, nil, Options{Interval: time.Hour, Timeout: time.Second})
	s.Start(context.Background())
	defer s.Stop()

	<-f.entered

	if s.Refresh() {
		t.Error("Refresh() accepted while Fetching, want dropped")
	}
	close(f.block)
}

func TestManualRefreshWhenIdle(t *testing.T) {
	f := newMockFetcher()
	s := New(f, nil, nil, nil, Options{Interval: time.Hour, Timeout: time.Second})
	s.Start(context.Background())
	defer s.Stop()

	// Initial fetch on start.
	<-f.entered
	waitFor(t, "idle after initial fetch", func() bool { return s.State() == Idle })

	if !s.Refresh() {
		t.Fatal("Refresh() dropped while Idle, want accepted")
	}
	waitFor(t, "refresh fetch", func() bool { return f.callCount() == 2 })
}

// Stop while a fetch is in flight: the result must be discarded — no bus
// events, no state transitions after teardown.
func TestStopDiscardsInFlightResult(t *testing.T) {
	f := newMockFetcher()
	f.block = make(chan struct{})
	f.err = errors.New("late failure")

	b := bus.New()
	events, unsub := b.Subscribe("", 16)
	defer unsub()

	m := status.NewMachine(nil)
	s := New(f, m, b, nil, Options{Interval: time.Hour, Timeout: time.Minute})
	s.Start(context.Background())

	<-f.entered
	s.Stop()
	close(f.block)

	time.Sleep(100 * time.Millisecond)
	select {
	case evt := <-events:
		t.Errorf("event %q published after Stop", evt.Kind)
	default:
	}
	if m.Current() != status.Booting {
		t.Errorf("machine state = %s, want untouched BOOTING", m.Current())
	}
}

func TestRefreshAfterStopDropped(t *testing.T) {
	f := newMockFetcher()
	s := New(f, nil, nil, nil, Options{Interval: time.Hour, Timeout: time.Second})
	s.Start(context.Background())
	<-f.entered
	s.Stop()

	waitFor(t, "stop settles", func() bool { return s.State() == Idle })
	if s.Refresh() {
		t.Error("Refresh() accepted after Stop")
	}
}

func TestSuccessReachesReady(t *testing.T) {
	f := newMockFetcher()
	b := bus.New()
	ok, unsub := b.Subscribe("sync.fetch_ok", 4)
	defer unsub()

	m := status.NewMachine(nil)
	s := New(f, m, b, nil, Options{Interval: time.Hour, Timeout: time.Second})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sync.fetch_ok")
	}
	if m.Current() != status.Ready {
		t.Errorf("machine state = %s, want READY", m.Current())
	}
}

func TestFetchFailureDegrades(t *testing.T) {
	f := newMockFetcher()
	f.err = fmt.Errorf("connect: network unreachable")

	b := bus.New()
	failed, unsub := b.Subscribe("sync.fetch_failed", 4)
	defer unsub()

	m := status.NewMachine(nil)
	_ = m.Transition(status.Syncing)
	_ = m.Transition(status.Ready)

	s := New(f, m, b, nil, Options{Interval: time.Hour, Timeout: time.Second})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sync.fetch_failed")
	}
	if m.Current() != status.Degraded {
		t.Errorf("machine state = %s, want DEGRADED", m.Current())
	}
}

func TestAuthRejectionForcesReauth(t *testing.T) {
	f := newMockFetcher()
	f.err = fmt.Errorf("GET /api/conversations: %w", rest.ErrAuthRejected)

	b := bus.New()
	reauth, unsub := b.Subscribe("session.auth_required", 4)
	defer unsub()

	m := status.NewMachine(nil)
	_ = m.Transition(status.Syncing)
	_ = m.Transition(status.Ready)

	s := New(f, m, b, nil, Options{Interval: time.Hour, Timeout: time.Second})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-reauth:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session.auth_required")
	}
	if m.Current() != status.AuthRequired {
		t.Errorf("machine state = %s, want AUTH_REQUIRED", m.Current())
	}
}
