package ephemeral

import (
	"sort"
	"testing"
	"time"
)

func recvUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

// TestSetGetDelete covers the basic key lifecycle.
func TestSetGetDelete(t *testing.T) {
	s := New()

	if _, ok := s.Get("a"); ok {
		t.Fatalf("empty store returned a value")
	}
	s.Set("a", []byte("1"))
	v, ok := s.Get("a")
	if !ok || string(v) != "1" {
		t.Fatalf("get after set: %q, %v", v, ok)
	}
	s.Set("a", []byte("2"))
	v, _ = s.Get("a")
	if string(v) != "2" {
		t.Fatalf("last writer did not win: %q", v)
	}
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Fatalf("deleted key still present")
	}
	// Deleting again is a no-op.
	s.Delete("a")
}

// TestGetReturnsCopy verifies callers cannot mutate stored values.
func TestGetReturnsCopy(t *testing.T) {
	s := New()
	s.Set("k", []byte("abc"))
	v, _ := s.Get("k")
	v[0] = 'z'
	v2, _ := s.Get("k")
	if string(v2) != "abc" {
		t.Fatalf("stored value mutated through returned slice: %q", v2)
	}
}

// TestKeysPrefix verifies prefix enumeration.
func TestKeysPrefix(t *testing.T) {
	s := New()
	s.Set("presence:alice", []byte("1"))
	s.Set("presence:bob", []byte("1"))
	s.Set("typing:c1:alice", []byte("1"))

	keys := s.Keys("presence:")
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "presence:alice" || keys[1] != "presence:bob" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

// TestSubscribeCurrentThenUpdates verifies a subscriber sees the existing
// value first, then live changes including the delete.
func TestSubscribeCurrentThenUpdates(t *testing.T) {
	s := New()
	s.Set("k", []byte("old"))

	ch, cancel := s.Subscribe("k")
	defer cancel()

	u := recvUpdate(t, ch)
	if !u.OK || string(u.Value) != "old" {
		t.Fatalf("initial update: %+v", u)
	}

	s.Set("k", []byte("new"))
	u = recvUpdate(t, ch)
	if !u.OK || string(u.Value) != "new" {
		t.Fatalf("live update: %+v", u)
	}

	s.Delete("k")
	u = recvUpdate(t, ch)
	if u.OK {
		t.Fatalf("delete not observed: %+v", u)
	}

	// Other keys never reach an exact-key subscriber.
	s.Set("other", []byte("x"))
	select {
	case u := <-ch:
		t.Fatalf("unrelated update leaked: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSubscribePrefix verifies prefix subscriptions deliver current state
// for every matching key and follow new keys under the prefix.
func TestSubscribePrefix(t *testing.T) {
	s := New()
	s.Set("typing:c1:alice", []byte("1"))
	s.Set("typing:c2:bob", []byte("1"))

	ch, cancel := s.SubscribePrefix("typing:c1:")
	defer cancel()

	u := recvUpdate(t, ch)
	if u.Key != "typing:c1:alice" {
		t.Fatalf("initial prefix update: %+v", u)
	}

	s.Set("typing:c1:bob", []byte("1"))
	u = recvUpdate(t, ch)
	if u.Key != "typing:c1:bob" {
		t.Fatalf("live prefix update: %+v", u)
	}

	s.Set("typing:c2:carol", []byte("1"))
	select {
	case u := <-ch:
		t.Fatalf("update outside prefix leaked: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCancelRemovesSubscriber verifies cancel is idempotent and fully
// unregisters.
func TestCancelRemovesSubscriber(t *testing.T) {
	s := New()
	_, cancel1 := s.Subscribe("k")
	_, cancel2 := s.Subscribe("k")
	if n := s.SubscriberCount("k"); n != 2 {
		t.Fatalf("subscriber count = %d, want 2", n)
	}
	cancel1()
	cancel1()
	if n := s.SubscriberCount("k"); n != 1 {
		t.Fatalf("subscriber count after cancel = %d, want 1", n)
	}
	cancel2()
	if n := s.SubscriberCount("k"); n != 0 {
		t.Fatalf("subscriber count after both cancels = %d, want 0", n)
	}
}

// TestSlowConsumerKeepsLatest verifies a full buffer drops the oldest
// pending update, never the newest.
func TestSlowConsumerKeepsLatest(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe("k")
	defer cancel()

	for i := 0; i < 64; i++ {
		s.Set("k", []byte{byte(i)})
	}
	var last Update
	drained := false
	for !drained {
		select {
		case u := <-ch:
			last = u
		default:
			drained = true
		}
	}
	if len(last.Value) != 1 || last.Value[0] != 63 {
		t.Fatalf("latest update lost; saw %v", last.Value)
	}
}
