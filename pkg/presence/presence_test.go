package presence

import (
	"encoding/json"
	"testing"
	"time"

	"chatsync/pkg/ephemeral"
	"chatsync/pkg/models"
)

func recvMap(t *testing.T, ch chan map[string]bool) map[string]bool {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return nil
	}
}

// waitFor polls cond until it holds or the deadline passes. Needed because
// watch snapshots coalesce: intermediate states may be skipped.
func waitFor(t *testing.T, ch chan map[string]bool, cond func(map[string]bool) bool) map[string]bool {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-ch:
			if cond(m) {
				return m
			}
		case <-deadline:
			t.Fatalf("condition never observed")
			return nil
		}
	}
}

// TestOnlineFlag covers the basic set/read path including the
// absent-means-offline rule.
func TestOnlineFlag(t *testing.T) {
	tr := NewTracker(ephemeral.New())

	if tr.Online("alice") {
		t.Fatalf("unknown user reported online")
	}
	tr.SetOnline("alice", true)
	if !tr.Online("alice") {
		t.Fatalf("alice should be online")
	}
	tr.SetOnline("alice", false)
	if tr.Online("alice") {
		t.Fatalf("alice should be offline")
	}
}

// TestWatchSnapshots verifies a watch reports the tracked users' states
// and follows changes.
func TestWatchSnapshots(t *testing.T) {
	tr := NewTracker(ephemeral.New())
	tr.SetOnline("alice", true)

	w := tr.Watch("alice", "bob")
	defer w.Close()

	snap := waitFor(t, w.C, func(m map[string]bool) bool { return m["alice"] })
	if snap["bob"] {
		t.Fatalf("bob should start offline: %+v", snap)
	}

	tr.SetOnline("bob", true)
	waitFor(t, w.C, func(m map[string]bool) bool { return m["alice"] && m["bob"] })

	tr.SetOnline("alice", false)
	waitFor(t, w.C, func(m map[string]bool) bool { return !m["alice"] && m["bob"] })
}

// TestWatchSetUsersReconciles verifies retargeting drops removed users'
// subscriptions and picks up added ones without leaking.
func TestWatchSetUsersReconciles(t *testing.T) {
	es := ephemeral.New()
	tr := NewTracker(es)
	tr.SetOnline("carol", true)

	w := tr.Watch("alice")
	defer w.Close()
	recvMap(t, w.C)

	w.SetUsers([]string{"carol"})
	snap := waitFor(t, w.C, func(m map[string]bool) bool { return m["carol"] })
	if _, ok := snap["alice"]; ok {
		t.Fatalf("removed user still in snapshot: %+v", snap)
	}
	if n := es.SubscriberCount("presence:alice"); n != 0 {
		t.Fatalf("alice subscription leaked: %d", n)
	}
	if n := es.SubscriberCount("presence:carol"); n != 1 {
		t.Fatalf("carol subscription count = %d, want 1", n)
	}

	w.Close()
	if n := es.SubscriberCount("presence:carol"); n != 0 {
		t.Fatalf("close leaked a subscription: %d", n)
	}
}

// TestTypingSetSnapshot covers the typing flag lifecycle through a watch.
func TestTypingSetSnapshot(t *testing.T) {
	sig := NewSignal(ephemeral.New())

	w := sig.Watch("c1")
	defer w.Close()

	sig.Set("c1", "alice", true)
	snap := waitFor(t, w.C, func(m map[string]bool) bool { return m["alice"] })
	if len(snap) != 1 {
		t.Fatalf("unexpected typing snapshot: %+v", snap)
	}

	// Flags in other conversations are invisible here.
	sig.Set("c2", "bob", true)
	if s := w.Snapshot(); s["bob"] {
		t.Fatalf("typing flag crossed conversations: %+v", s)
	}

	sig.Set("c1", "alice", false)
	waitFor(t, w.C, func(m map[string]bool) bool { return len(m) == 0 })
}

// TestTypingDirectRead verifies the one-shot read reflects a Set
// immediately, without going through a watch.
func TestTypingDirectRead(t *testing.T) {
	sig := NewSignal(ephemeral.New())

	sig.Set("c1", "alice", true)
	sig.Set("c2", "bob", true)

	got := sig.Typing("c1")
	if len(got) != 1 || !got["alice"] {
		t.Fatalf("typing map for c1: %+v", got)
	}

	sig.Set("c1", "alice", false)
	if got := sig.Typing("c1"); len(got) != 0 {
		t.Fatalf("cleared flag still visible: %+v", got)
	}
}

// TestSweepStale verifies only aged-out typing records are cleared and the
// count is reported.
func TestSweepStale(t *testing.T) {
	es := ephemeral.New()
	sig := NewSignal(es)

	// Fresh record through the public API.
	sig.Set("c1", "alice", true)

	// Backdated record, written directly the way Set would have an hour ago.
	old := models.TypingRecord{Typing: true, TS: time.Now().UTC().Add(-time.Hour).UnixNano()}
	data, _ := json.Marshal(old)
	es.Set("typing:c1:bob", data)

	// Garbage record is treated as stale.
	es.Set("typing:c1:carol", []byte("not json"))

	cleared := sig.SweepStale(30 * time.Second)
	if cleared != 2 {
		t.Fatalf("cleared %d records, want 2", cleared)
	}
	if _, ok := es.Get("typing:c1:alice"); !ok {
		t.Fatalf("fresh record swept")
	}
	if _, ok := es.Get("typing:c1:bob"); ok {
		t.Fatalf("stale record survived")
	}

	if n := sig.SweepStale(30 * time.Second); n != 0 {
		t.Fatalf("second sweep cleared %d, want 0", n)
	}
}
