package presence

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/ephemeral"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

const typingPrefix = "typing:"

// Signal publishes and observes per-conversation typing flags. Clients
// drive the debounce (set true on keystroke, clear on blur or after the
// quiet period); the sweeper clears flags whose receipt time went stale as
// a backstop for crashed clients.
type Signal struct {
	es *ephemeral.Store
}

// NewSignal returns a typing signal over the given ephemeral store.
func NewSignal(es *ephemeral.Store) *Signal {
	return &Signal{es: es}
}

func typingKey(convID, user string) string {
	return typingPrefix + convID + ":" + user
}

// Set records user's typing flag for a conversation. Clearing deletes the
// key so idle conversations hold no state.
func (s *Signal) Set(convID, user string, typing bool) {
	if !typing {
		s.es.Delete(typingKey(convID, user))
		return
	}
	rec := models.TypingRecord{Typing: true, TS: time.Now().UTC().UnixNano()}
	data, _ := json.Marshal(rec)
	s.es.Set(typingKey(convID, user), data)
}

// Typing returns the current user->typing mapping of a conversation, read
// straight from the store. One-shot callers use this instead of a Watch so
// they never race the watch goroutine's catch-up.
func (s *Signal) Typing(convID string) map[string]bool {
	prefix := typingPrefix + convID + ":"
	out := map[string]bool{}
	for _, key := range s.es.Keys(prefix) {
		data, ok := s.es.Get(key)
		if !ok {
			continue
		}
		var rec models.TypingRecord
		if err := json.Unmarshal(data, &rec); err != nil || !rec.Typing {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = true
	}
	return out
}

// TypingWatch is a live user->typing mapping for one conversation.
type TypingWatch struct {
	mu     sync.Mutex
	states map[string]bool
	cancel func()
	closed bool

	C chan map[string]bool
}

// Watch subscribes to every typing flag of a conversation. Consumers
// derive "someone else is typing" by checking any user other than self.
func (s *Signal) Watch(convID string) *TypingWatch {
	w := &TypingWatch{
		states: map[string]bool{},
		C:      make(chan map[string]bool, 1),
	}
	prefix := typingPrefix + convID + ":"
	ch, cancel := s.es.SubscribePrefix(prefix)
	w.cancel = cancel
	go func() {
		for u := range ch {
			user := strings.TrimPrefix(u.Key, prefix)
			typing := false
			if u.OK {
				var rec models.TypingRecord
				if err := json.Unmarshal(u.Value, &rec); err == nil {
					typing = rec.Typing
				}
			}
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			if typing {
				w.states[user] = true
			} else {
				delete(w.states, user)
			}
			snap := make(map[string]bool, len(w.states))
			for k, v := range w.states {
				snap[k] = v
			}
			w.mu.Unlock()
			select {
			case w.C <- snap:
			default:
				select {
				case <-w.C:
				default:
				}
				select {
				case w.C <- snap:
				default:
				}
			}
		}
	}()
	return w
}

// Snapshot returns the current user->typing mapping.
func (w *TypingWatch) Snapshot() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(w.states))
	for k, v := range w.states {
		out[k] = v
	}
	return out
}

// Close releases the underlying subscription.
func (w *TypingWatch) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.cancel()
}

// SweepStale deletes typing records older than maxAge and returns how many
// were cleared. Called by the background sweeper as the server-side TTL
// backstop for clients that crashed mid-type.
func (s *Signal) SweepStale(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	cleared := 0
	for _, key := range s.es.Keys(typingPrefix) {
		data, ok := s.es.Get(key)
		if !ok {
			continue
		}
		var rec models.TypingRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.TS < cutoff {
			s.es.Delete(key)
			cleared++
		}
	}
	if cleared > 0 {
		logger.Debug("typing_swept", "cleared", cleared)
	}
	return cleared
}
