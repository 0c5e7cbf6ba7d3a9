package sweeper

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"chatsync/pkg/blob"
	"chatsync/pkg/config"
	"chatsync/pkg/directory"
	"chatsync/pkg/ephemeral"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
)

func setupSweep(t *testing.T) (Deps, *ephemeral.Store) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blob.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	es := ephemeral.New()
	return Deps{Typing: presence.NewSignal(es), Blobs: blobs}, es
}

func staleTyping(t *testing.T, es *ephemeral.Store, convID, user string) {
	t.Helper()
	rec := models.TypingRecord{Typing: true, TS: time.Now().UTC().Add(-time.Hour).UnixNano()}
	data, _ := json.Marshal(rec)
	es.Set("typing:"+convID+":"+user, data)
}

// TestRunOnceClearsStaleTyping verifies a sweep removes aged typing flags
// and keeps fresh ones.
func TestRunOnceClearsStaleTyping(t *testing.T) {
	deps, es := setupSweep(t)
	deps.Typing.Set("c1", "alice", true)
	staleTyping(t, es, "c1", "bob")

	cfg := config.SweeperConfig{Enabled: true}
	if err := runOnce(context.Background(), cfg, deps); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if _, ok := es.Get("typing:c1:alice"); !ok {
		t.Fatalf("fresh flag swept")
	}
	if _, ok := es.Get("typing:c1:bob"); ok {
		t.Fatalf("stale flag survived")
	}
}

// TestRunOnceOrphanBlobs verifies only blobs of deleted conversations are
// collected, and that dry run reports without deleting.
func TestRunOnceOrphanBlobs(t *testing.T) {
	deps, _ := setupSweep(t)
	ctx := context.Background()

	conv, err := directory.FindOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	live := blob.AttachmentPath(conv.ID, "keep.png")
	orphan := blob.AttachmentPath("gone-conv", "lost.png")
	if _, _, err := deps.Blobs.Put(ctx, live, strings.NewReader("x"), 1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := deps.Blobs.Put(ctx, orphan, strings.NewReader("x"), 1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Dry run counts but keeps everything.
	cfg := config.SweeperConfig{Enabled: true, OrphanBlobs: true, DryRun: true}
	if err := runOnce(ctx, cfg, deps); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if _, _, err := deps.Blobs.Open(orphan); err != nil {
		t.Fatalf("dry run deleted the orphan: %v", err)
	}

	cfg.DryRun = false
	if err := runOnce(ctx, cfg, deps); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if _, _, err := deps.Blobs.Open(orphan); err == nil {
		t.Fatalf("orphan blob survived")
	}
	if _, _, err := deps.Blobs.Open(live); err != nil {
		t.Fatalf("live blob collected: %v", err)
	}
}

// TestRunImmediate verifies the stored-config trigger path.
func TestRunImmediate(t *testing.T) {
	deps, es := setupSweep(t)
	staleTyping(t, es, "c9", "alice")

	SetConfig(config.SweeperConfig{Enabled: true}, deps)
	if err := RunImmediate(); err != nil {
		t.Fatalf("run immediate: %v", err)
	}
	if _, ok := es.Get("typing:c9:alice"); ok {
		t.Fatalf("stale flag survived")
	}
}

// TestStartValidation covers the disabled no-op and cron validation.
func TestStartValidation(t *testing.T) {
	deps, _ := setupSweep(t)

	cancel, err := Start(context.Background(), config.SweeperConfig{Enabled: false}, deps)
	if err != nil {
		t.Fatalf("disabled start: %v", err)
	}
	cancel()

	if _, err := Start(context.Background(), config.SweeperConfig{Enabled: true, Cron: "not a cron"}, deps); err == nil {
		t.Fatalf("invalid cron accepted")
	}

	cancel, err = Start(context.Background(), config.SweeperConfig{Enabled: true}, deps)
	if err != nil {
		t.Fatalf("default cron start: %v", err)
	}
	cancel()
}
