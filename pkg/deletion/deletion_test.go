package deletion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatsync/pkg/blob"
	"chatsync/pkg/directory"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/stream"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

// TestDeleteMessagesBatch verifies every listed message is removed and
// unknown ids pass silently.
func TestDeleteMessagesBatch(t *testing.T) {
	openTestStore(t)
	ctx := context.Background()

	conv, err := directory.FindOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		m, err := stream.Append(ctx, conv.ID, models.Message{Type: models.TypeText, Text: "m", Sender: "alice"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, m.ID)
	}

	if err := DeleteMessages(ctx, conv.ID, []string{ids[0], ids[2], "never-existed"}); err != nil {
		t.Fatalf("delete messages: %v", err)
	}
	msgs, err := stream.List(conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != ids[1] {
		t.Fatalf("survivors after batch delete: %+v", msgs)
	}
}

// TestDeleteConversationCascade verifies a conversation delete removes the
// metadata, the pair index, the per-user indexes, the message log and any
// attachment blobs.
func TestDeleteConversationCascade(t *testing.T) {
	openTestStore(t)
	ctx := context.Background()

	blobs, err := blob.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	stream.SetBlobStore(blobs)
	t.Cleanup(func() { stream.SetBlobStore(nil) })

	conv, err := directory.FindOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	other, err := directory.FindOrCreate(ctx, "alice", "carol")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, err := stream.Append(ctx, conv.ID, models.Message{Type: models.TypeText, Text: "bye", Sender: "alice"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	up := blob.NewUploader(blobs)
	att, err := up.Upload(ctx, conv.ID, "doc.pdf", strings.NewReader("%PDF"), 4, nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := stream.Append(ctx, conv.ID, models.Message{
		Type:     models.TypeFile,
		Sender:   "alice",
		FileURL:  att.URL,
		FilePath: att.Path,
		FileName: att.Name,
		FileSize: att.Size,
		FileType: att.Type,
	}); err != nil {
		t.Fatalf("append attachment message: %v", err)
	}

	if err := DeleteConversations(ctx, []string{conv.ID}); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}

	if _, err := directory.Get(conv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("metadata survived: %v", err)
	}
	msgs, err := stream.List(conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived: %+v", msgs)
	}
	if _, _, err := blobs.Open(att.Path); err == nil {
		t.Fatalf("attachment blob survived the cascade")
	}

	// The pair index is gone: find-or-create mints a fresh conversation.
	fresh, err := directory.FindOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if fresh.ID == conv.ID {
		t.Fatalf("pair index still pointed at the deleted conversation")
	}

	// Per-user indexes are pruned; the untouched conversation remains.
	convs, err := directory.ListFor("alice")
	if err != nil {
		t.Fatalf("list for alice: %v", err)
	}
	seen := map[string]bool{}
	for _, c := range convs {
		seen[c.ID] = true
	}
	if seen[conv.ID] || !seen[other.ID] || !seen[fresh.ID] {
		t.Fatalf("unexpected conversation set for alice: %v", seen)
	}
}

// TestDeleteConversationCascadeBlobFailure verifies a failing blob delete
// does not stop the cascade: the records go, the failure is only logged.
func TestDeleteConversationCascadeBlobFailure(t *testing.T) {
	openTestStore(t)
	ctx := context.Background()

	blobs, err := blob.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	stream.SetBlobStore(blobs)
	t.Cleanup(func() { stream.SetBlobStore(nil) })

	conv, err := directory.FindOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	// The blob store rejects this path, so its delete fails on cascade.
	if _, err := stream.Append(ctx, conv.ID, models.Message{
		Type:     models.TypeFile,
		Sender:   "alice",
		FileName: "bad.pdf",
		FilePath: "../escape",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := DeleteConversations(ctx, []string{conv.ID}); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := directory.Get(conv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("metadata survived: %v", err)
	}
	msgs, err := stream.List(conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived: %+v", msgs)
	}
}

// TestDeleteConversationsMissing verifies unknown ids are a no-op, not a
// batch failure.
func TestDeleteConversationsMissing(t *testing.T) {
	openTestStore(t)
	if err := DeleteConversations(context.Background(), []string{"ghost"}); err != nil {
		t.Fatalf("delete missing conversation: %v", err)
	}
}

// TestPartialBatchError covers the error surface handlers rely on.
func TestPartialBatchError(t *testing.T) {
	e := &PartialBatchError{Failed: map[string]error{
		"b": errors.New("x"),
		"a": errors.New("y"),
	}}
	ids := e.FailedIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("FailedIDs not sorted: %v", ids)
	}
	want := "delete failed for 2 item(s): a, b"
	if e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}
}
