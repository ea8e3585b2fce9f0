// Package merge combines a cached record list with a freshly fetched one so
// that each stable key appears exactly once. The fetch is authoritative: the
// fresh version of a record replaces the cached one, server order is
// preserved, and cache-only entries (typically optimistic just-sent messages
// the server has not confirmed yet) are appended after the fresh set in
// their original relative order.
package merge

import (
	"strings"
	"time"

	"github.com/fixmate/fixsync/internal/record"
)

// OptimisticKeyPrefix marks locally-created message keys awaiting server
// confirmation.
const OptimisticKeyPrefix = "tmp-"

// IsOptimisticKey reports whether key identifies an unconfirmed local entry.
func IsOptimisticKey(key string) bool {
	return strings.HasPrefix(key, OptimisticKeyPrefix)
}

// Options control message-merge reconciliation.
type Options struct {
	// Now is the merge instant in unix ms; zero means time.Now().
	Now int64
	// Expiry is how long an unconfirmed optimistic entry may wait before
	// being marked failed. Zero disables expiry.
	Expiry time.Duration
	// Confirmed maps optimistic client keys to server-assigned keys, as
	// recorded from send responses. An optimistic entry whose server key
	// appears in the fresh fetch is superseded by it.
	Confirmed map[string]string
}

// Result is the outcome of a message merge.
type Result struct {
	Merged []*record.Message
	// Superseded lists optimistic client keys removed because the server
	// confirmed their counterpart in the fresh fetch.
	Superseded []string
	// Failed lists optimistic client keys that exceeded Expiry without
	// confirmation; the entries remain in Merged with status "failed".
	Failed []string
}

// Keyed merges two lists of arbitrary records deduplicated by key: fresh
// entries in server order first (fresh wins over cached), then cache-only
// entries in their original relative order.
func Keyed[T any](cached, fresh []T, key func(T) string) []T {
	merged := make([]T, 0, len(fresh)+len(cached))
	seen := make(map[string]struct{}, len(fresh))

	for _, item := range fresh {
		k := key(item)
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, item)
	}
	for _, item := range cached {
		if _, dup := seen[key(item)]; dup {
			continue
		}
		seen[key(item)] = struct{}{}
		merged = append(merged, item)
	}
	return merged
}

// Conversations merges a cached conversation list with a fresh fetch.
func Conversations(cached, fresh []*record.Conversation) []*record.Conversation {
	return Keyed(cached, fresh, func(c *record.Conversation) string { return c.Key })
}

// Messages merges a cached message list with a fresh fetch, reconciling
// optimistic entries. An optimistic entry is superseded (removed) when the
// fresh set contains its server-confirmed counterpart — matched first via
// the explicit Confirmed mapping, then by content (same sender, same body,
// media and type, server timestamp not before the optimistic one). An
// unconfirmed entry
// older than Expiry is marked failed, never silently dropped.
func Messages(cached, fresh []*record.Message, opts Options) Result {
	now := opts.Now
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	var res Result
	res.Merged = make([]*record.Message, 0, len(fresh)+len(cached))
	seen := make(map[string]struct{}, len(fresh))

	for _, m := range fresh {
		if _, dup := seen[m.Key]; dup || m.Key == "" {
			continue
		}
		seen[m.Key] = struct{}{}
		res.Merged = append(res.Merged, m)
	}

	for _, m := range cached {
		if _, dup := seen[m.Key]; dup {
			continue
		}
		if IsOptimisticKey(m.Key) {
			if confirmedBy(m, fresh, opts.Confirmed) {
				res.Superseded = append(res.Superseded, m.Key)
				continue
			}
			if opts.Expiry > 0 && m.Status != "failed" && now-m.SentAt > opts.Expiry.Milliseconds() {
				failed := *m
				failed.Status = "failed"
				m = &failed
				res.Failed = append(res.Failed, m.Key)
			}
		}
		seen[m.Key] = struct{}{}
		res.Merged = append(res.Merged, m)
	}
	return res
}

func confirmedBy(opt *record.Message, fresh []*record.Message, confirmed map[string]string) bool {
	if serverKey, ok := confirmed[opt.Key]; ok {
		for _, f := range fresh {
			if f.Key == serverKey {
				return true
			}
		}
	}
	for _, f := range fresh {
		if contentMatch(opt, f) && f.SentAt >= opt.SentAt {
			return true
		}
	}
	return false
}

// contentMatch compares the full payload, not just the body. Two media
// messages from the same sender both carry empty bodies; matching on body
// alone would let an unrelated server copy supersede an optimistic entry
// that is still in flight.
func contentMatch(opt, f *record.Message) bool {
	return f.SenderID == opt.SenderID &&
		f.Body == opt.Body &&
		f.MediaURL == opt.MediaURL &&
		f.Type == opt.Type
}
