// Package ephemeral is an in-process key/value store with per-key live
// subscriptions and explicit delete. Values are last-writer-wins and never
// persisted; it backs presence and typing signaling only.
package ephemeral

import (
	"strings"
	"sync"
)

// Update is one observed change of a key. OK is false when the key was
// deleted.
type Update struct {
	Key   string
	Value []byte
	OK    bool
}

type subscriber struct {
	ch     chan Update
	prefix bool
}

// Store holds the keyspace and its subscribers.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	subs map[string]map[int]*subscriber // exact key or prefix -> subs
	seq  int
}

// New returns an empty ephemeral store.
func New() *Store {
	return &Store{
		data: map[string][]byte{},
		subs: map[string]map[int]*subscriber{},
	}
}

// Set stores value under key and notifies subscribers. Last writer wins.
func (s *Store) Set(key string, value []byte) {
	v := append([]byte(nil), value...)
	s.mu.Lock()
	s.data[key] = v
	s.publishLocked(Update{Key: key, Value: v, OK: true})
	s.mu.Unlock()
}

// Get returns the current value of key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Delete removes key and notifies subscribers with OK=false.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.publishLocked(Update{Key: key, OK: false})
	}
	s.mu.Unlock()
}

// Keys returns all keys with the given prefix.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// Subscribe delivers the current value of key (if any) followed by every
// subsequent change. Delivery is latest-wins: a slow consumer observes the
// newest update, never a backlog. The cancel func is the exact inverse of
// subscribing.
func (s *Store) Subscribe(key string) (<-chan Update, func()) {
	return s.subscribe(key, false)
}

// SubscribePrefix is Subscribe over every key sharing a prefix. Current
// values for all matching keys are delivered first.
func (s *Store) SubscribePrefix(prefix string) (<-chan Update, func()) {
	return s.subscribe(prefix, true)
}

func (s *Store) subscribe(pattern string, prefix bool) (<-chan Update, func()) {
	sub := &subscriber{ch: make(chan Update, 16), prefix: prefix}
	s.mu.Lock()
	s.seq++
	id := s.seq
	if s.subs[pattern] == nil {
		s.subs[pattern] = map[int]*subscriber{}
	}
	s.subs[pattern][id] = sub
	// deliver current state
	if prefix {
		for k, v := range s.data {
			if strings.HasPrefix(k, pattern) {
				deliver(sub, Update{Key: k, Value: append([]byte(nil), v...), OK: true})
			}
		}
	} else if v, ok := s.data[pattern]; ok {
		deliver(sub, Update{Key: pattern, Value: append([]byte(nil), v...), OK: true})
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if m, ok := s.subs[pattern]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(s.subs, pattern)
				}
			}
			s.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SubscriberCount reports the number of active subscriptions for pattern.
func (s *Store) SubscriberCount(pattern string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[pattern])
}

func (s *Store) publishLocked(u Update) {
	for pattern, m := range s.subs {
		for _, sub := range m {
			if sub.prefix {
				if strings.HasPrefix(u.Key, pattern) {
					deliver(sub, u)
				}
			} else if u.Key == pattern {
				deliver(sub, u)
			}
		}
	}
}

// deliver pushes u without blocking; when the buffer is full the oldest
// pending update is dropped in favor of the new one.
func deliver(sub *subscriber, u Update) {
	select {
	case sub.ch <- u:
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- u:
		default:
		}
	}
}
