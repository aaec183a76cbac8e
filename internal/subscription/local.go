package subscription

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// LocalSet is an expiring sorted set held in process memory: a linked list
// ordered by last update, capped at a maximum item count. Overflow evicts the
// least recently updated entry with a warning, since dropping a subscription
// means its cache key goes stale until a client re-registers it.
type LocalSet struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = least recently updated
	maxItems int
	logger   *slog.Logger
}

type localEntry struct {
	sub      Subscription
	expireAt time.Time
}

// NewLocalSet creates a local subscription set.
func NewLocalSet(maxItems int, logger *slog.Logger) *LocalSet {
	if maxItems <= 0 {
		maxItems = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSet{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxItems: maxItems,
		logger:   logger,
	}
}

// Add inserts or refreshes a subscription: the TTL restarts and the entry
// moves to most-recently-updated.
func (s *LocalSet) Add(_ context.Context, key string, params map[string]any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		e := elem.Value.(*localEntry)
		e.sub.Params = params
		e.expireAt = time.Now().Add(ttl)
		s.order.MoveToBack(elem)
		return nil
	}

	if len(s.entries) >= s.maxItems {
		front := s.order.Front()
		if front != nil {
			evicted := front.Value.(*localEntry)
			s.order.Remove(front)
			delete(s.entries, evicted.sub.Key)
			s.logger.Warn("subscription set full, evicting least recently updated entry",
				"evicted_key", evicted.sub.Key, "max_items", s.maxItems)
		}
	}

	elem := s.order.PushBack(&localEntry{
		sub:      Subscription{Key: key, Params: params},
		expireAt: time.Now().Add(ttl),
	})
	s.entries[key] = elem
	return nil
}

// GetAll returns a snapshot of the non-expired subscriptions and prunes the
// expired ones.
func (s *LocalSet) GetAll(_ context.Context) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	subs := make([]Subscription, 0, len(s.entries))

	var next *list.Element
	for elem := s.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		e := elem.Value.(*localEntry)
		if !e.expireAt.After(now) {
			s.order.Remove(elem)
			delete(s.entries, e.sub.Key)
			continue
		}
		subs = append(subs, e.sub)
	}
	return subs, nil
}

// Len returns the current entry count, including not-yet-pruned expired ones.
func (s *LocalSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close implements Set.
func (s *LocalSet) Close() error {
	return nil
}
