package store

import (
	"context"
	"strings"
)

// ChangeEvent is delivered to subscribers after a write is acknowledged.
type ChangeEvent struct {
	Entry Entry `json:"entry"`
}

type subscription struct {
	ns        string
	keyPrefix string
	ch        chan ChangeEvent
	done      chan struct{}
}

const subscriberBuffer = 64

// Subscribe returns a channel of change events for writes in ns whose key
// starts with keyPrefix (empty matches all keys). The channel is closed when
// ctx is cancelled or the store closes. Slow subscribers drop events rather
// than blocking writers.
func (s *Store) Subscribe(ctx context.Context, ns, keyPrefix string) <-chan ChangeEvent {
	sub := &subscription{
		ns:        ns,
		keyPrefix: keyPrefix,
		ch:        make(chan ChangeEvent, subscriberBuffer),
		done:      make(chan struct{}),
	}

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		s.subsMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
		s.subsMu.Unlock()
	}()

	return sub.ch
}

// notify fans a committed entry out to matching subscribers. Delivery is
// best-effort: a full subscriber buffer drops the event.
func (s *Store) notify(e Entry) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		if sub.ns != e.Namespace {
			continue
		}
		if sub.keyPrefix != "" && !strings.HasPrefix(e.Key, sub.keyPrefix) {
			continue
		}
		select {
		case sub.ch <- ChangeEvent{Entry: e}:
		default:
		}
	}
}

func (s *Store) closeAllSubs() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}
