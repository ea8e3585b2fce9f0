// Package poll drives the fetch cycle. A fixed-interval ticker and manual
// refresh requests both funnel through a two-state guard (Idle/Fetching):
// at most one fetch is ever in flight, and triggers arriving mid-fetch are
// dropped, not queued, so a slow backend cannot build a request storm.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fixmate/fixsync/internal/bus"
	"github.com/fixmate/fixsync/internal/identity"
	"github.com/fixmate/fixsync/internal/rest"
	"github.com/fixmate/fixsync/internal/status"
	"go.uber.org/zap"
)

// State is the scheduler's fetch state.
type State string

const (
	Idle     State = "IDLE"
	Fetching State = "FETCHING"
)

// Fetcher performs one complete sync cycle against the backend.
type Fetcher interface {
	Fetch(ctx context.Context) error
}

// Options bound the scheduler's timing.
type Options struct {
	Interval time.Duration // tick period between fetches
	Timeout  time.Duration // per-fetch bounded wait
}

// Scheduler owns the fetch lifecycle for a session.
type Scheduler struct {
	fetcher Fetcher
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	mu      sync.Mutex
	state   State
	stopped bool

	refreshCh chan struct{}
	cancel    context.CancelFunc
}

// New creates a scheduler. machine may be nil in tests.
func New(fetcher Fetcher, machine *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Scheduler{
		fetcher:   fetcher,
		machine:   machine,
		bus:       b,
		logger:    logger,
		opts:      opts,
		state:     Idle,
		refreshCh: make(chan struct{}, 1),
	}
}

// State returns the current fetch state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the tick loop and issues an immediate first fetch.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop cancels the tick loop. An in-flight fetch is abandoned: its context
// is cancelled and its result is discarded when it resolves, so no state is
// mutated after teardown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Refresh requests an on-demand fetch. Returns false when the request was
// dropped because a fetch is already in flight or the scheduler is stopped.
func (s *Scheduler) Refresh() bool {
	s.mu.Lock()
	if s.state != Idle || s.stopped {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.refreshCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.trigger(ctx)

	for {
		select {
		case <-ticker.C:
			s.trigger(ctx)
		case <-s.refreshCh:
			s.trigger(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// trigger moves Idle→Fetching and launches the fetch; any trigger arriving
// while Fetching is a no-op.
func (s *Scheduler) trigger(ctx context.Context) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("fetch already in flight, trigger dropped")
		}
		return
	}
	s.state = Fetching
	s.mu.Unlock()

	go s.runFetch(ctx)
}

func (s *Scheduler) runFetch(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	err := s.fetcher.Fetch(fetchCtx)
	cancel()

	s.mu.Lock()
	s.state = Idle
	stopped := s.stopped
	s.mu.Unlock()

	if stopped || ctx.Err() != nil {
		// Torn down while in flight; discard the result.
		return
	}

	switch {
	case err == nil:
		s.onSuccess()
	case errors.Is(err, rest.ErrAuthRejected), errors.Is(err, identity.ErrIdentityUnavailable):
		s.onAuthRejected(err)
	default:
		s.onFailure(err)
	}
}

func (s *Scheduler) onSuccess() {
	if s.machine != nil && s.machine.Current() != status.Ready {
		_ = s.machine.Transition(status.Syncing)
		_ = s.machine.Transition(status.Ready)
	}
	s.publish("sync.fetch_ok", nil)
}

// onFailure keeps previously cached data; stale-but-present beats empty.
func (s *Scheduler) onFailure(err error) {
	if s.logger != nil {
		s.logger.Warn("fetch failed", zap.Error(err))
	}
	if s.machine != nil {
		switch s.machine.Current() {
		case status.Booting, status.AuthRequired:
			_ = s.machine.Transition(status.Syncing)
		}
		_ = s.machine.Transition(status.Degraded)
	}
	s.publish("sync.fetch_failed", err.Error())
}

func (s *Scheduler) onAuthRejected(err error) {
	if s.logger != nil {
		s.logger.Warn("credentials rejected, re-auth required", zap.Error(err))
	}
	if s.machine != nil {
		_ = s.machine.Transition(status.AuthRequired)
	}
	s.publish("session.auth_required", err.Error())
}

func (s *Scheduler) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}
