// Package presence exposes the ephemeral online and typing signals. Both
// ride the ephemeral store and are independent of the durable message path.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"chatsync/pkg/ephemeral"
	"chatsync/pkg/models"
)

const presencePrefix = "presence:"

// Tracker publishes and observes per-user online state.
type Tracker struct {
	es *ephemeral.Store
}

// NewTracker returns a tracker over the given ephemeral store.
func NewTracker(es *ephemeral.Store) *Tracker {
	return &Tracker{es: es}
}

// SetOnline records user's online flag. Last writer wins; a client that
// vanishes without writing false stays online until the connection layer
// clears it.
func (t *Tracker) SetOnline(user string, online bool) {
	rec := models.PresenceRecord{Online: online, TS: time.Now().UTC().UnixNano()}
	data, _ := json.Marshal(rec)
	t.es.Set(presencePrefix+user, data)
}

// Online returns user's current flag; absent records read as offline.
func (t *Tracker) Online(user string) bool {
	data, ok := t.es.Get(presencePrefix + user)
	if !ok {
		return false
	}
	var rec models.PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return false
	}
	return rec.Online
}

// Watch is a live user->online mapping over a mutable tracked set. Each
// tracked user holds exactly one ephemeral subscription; SetUsers
// subscribes and unsubscribes as the set changes, leaking nothing.
type Watch struct {
	tracker *Tracker

	mu      sync.Mutex
	states  map[string]bool
	cancels map[string]func()
	closed  bool

	// C receives a coalesced snapshot after every observed change.
	C chan map[string]bool
}

// Watch starts tracking the given users.
func (t *Tracker) Watch(users ...string) *Watch {
	w := &Watch{
		tracker: t,
		states:  map[string]bool{},
		cancels: map[string]func(){},
		C:       make(chan map[string]bool, 1),
	}
	w.SetUsers(users)
	return w
}

// SetUsers reconciles the tracked set: newly added users gain a
// subscription, removed users lose theirs.
func (w *Watch) SetUsers(users []string) {
	want := map[string]struct{}{}
	for _, u := range users {
		want[u] = struct{}{}
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	for u, cancel := range w.cancels {
		if _, keep := want[u]; !keep {
			cancel()
			delete(w.cancels, u)
			delete(w.states, u)
		}
	}
	var added []string
	for u := range want {
		if _, ok := w.cancels[u]; !ok {
			added = append(added, u)
		}
	}
	for _, u := range added {
		w.states[u] = false
		ch, cancel := w.tracker.es.Subscribe(presencePrefix + u)
		w.cancels[u] = cancel
		go w.consume(u, ch)
	}
	w.mu.Unlock()
	w.push()
}

func (w *Watch) consume(user string, ch <-chan ephemeral.Update) {
	for u := range ch {
		online := false
		if u.OK {
			var rec models.PresenceRecord
			if err := json.Unmarshal(u.Value, &rec); err == nil {
				online = rec.Online
			}
		}
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		if _, tracked := w.cancels[user]; !tracked {
			w.mu.Unlock()
			return
		}
		w.states[user] = online
		w.mu.Unlock()
		w.push()
	}
}

// Snapshot returns the current user->online mapping.
func (w *Watch) Snapshot() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(w.states))
	for k, v := range w.states {
		out[k] = v
	}
	return out
}

func (w *Watch) push() {
	snap := w.Snapshot()
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

// Close cancels every per-user subscription.
func (w *Watch) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, cancel := range w.cancels {
		cancel()
	}
	w.cancels = map[string]func(){}
}
