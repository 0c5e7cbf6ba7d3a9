package store

import "sync"

// The watch hub delivers coalesced change wake-ups per topic. Subscribers
// re-read a full snapshot on each wake-up (replace semantics); a slow
// subscriber sees at most one pending wake-up, never a backlog.

var (
	watchMu   sync.Mutex
	watchSubs = map[string]map[int]chan struct{}{}
	watchSeq  int
)

// ConvTopic is the watch topic for a conversation's documents.
func ConvTopic(convID string) string { return "conv:" + convID }

// UserTopic is the watch topic for a user's conversation list.
func UserTopic(user string) string { return "user:" + user }

// Watch subscribes to topic. The returned channel receives a wake-up after
// every commit touching the topic. The cancel func is the exact inverse of
// subscribing; it must be called to release the subscription.
func Watch(topic string) (<-chan struct{}, func()) {
	watchMu.Lock()
	defer watchMu.Unlock()
	watchSeq++
	id := watchSeq
	ch := make(chan struct{}, 1)
	if watchSubs[topic] == nil {
		watchSubs[topic] = map[int]chan struct{}{}
	}
	watchSubs[topic][id] = ch
	cancel := func() {
		watchMu.Lock()
		defer watchMu.Unlock()
		if subs, ok := watchSubs[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(watchSubs, topic)
			}
		}
	}
	return ch, cancel
}

// notify wakes all subscribers of topic. Non-blocking: a pending wake-up
// already covers the new change.
func notify(topic string) {
	watchMu.Lock()
	defer watchMu.Unlock()
	for _, ch := range watchSubs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
