// Package deletion cascades removal of messages (with their blobs) and
// whole conversations.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/stream"
)

// PartialBatchError reports the subset of a multi-id delete that failed.
// Successful items stay deleted.
type PartialBatchError struct {
	Failed map[string]error
}

func (e *PartialBatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("delete failed for %d item(s): %s", len(ids), strings.Join(ids, ", "))
}

// FailedIDs returns the ids that failed, sorted.
func (e *PartialBatchError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteMessages removes each message in ids. Blob failures never block a
// record delete (stream.Delete absorbs them); a record-delete failure
// aborts that id only, never the batch. Returns nil or a
// *PartialBatchError listing the failed ids.
func DeleteMessages(ctx context.Context, convID string, ids []string) error {
	failed := map[string]error{}
	for _, id := range ids {
		if err := stream.Delete(ctx, convID, id); err != nil {
			logger.Error("message_delete_failed", "conversation", convID, "message", id, "error", err)
			failed[id] = err
			continue
		}
		logger.AuditEvent("message_deleted", "conversation", convID, "message", id)
	}
	if len(failed) > 0 {
		return &PartialBatchError{Failed: failed}
	}
	return nil
}

// DeleteConversations removes each conversation and its messages. There is
// no global rollback: a conversation failing mid-cascade stays partially
// emptied and is reported in the returned *PartialBatchError while the
// rest of the batch proceeds.
func DeleteConversations(ctx context.Context, ids []string) error {
	failed := map[string]error{}
	for _, convID := range ids {
		if err := deleteConversation(ctx, convID); err != nil {
			logger.Error("conversation_delete_failed", "conversation", convID, "error", err)
			failed[convID] = err
			continue
		}
		logger.AuditEvent("conversation_deleted", "conversation", convID)
	}
	if len(failed) > 0 {
		return &PartialBatchError{Failed: failed}
	}
	return nil
}

func deleteConversation(ctx context.Context, convID string) error {
	var conv models.Conversation
	err := store.GetJSON(store.ConvKey(convID), &conv)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	msgs, err := stream.List(convID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if derr := stream.Delete(ctx, convID, m.ID); derr != nil {
			return fmt.Errorf("deleting message %s: %w", m.ID, derr)
		}
	}

	return store.RunTxn(ctx, func(t *store.Txn) error {
		t.Delete(store.ConvKey(convID))
		if len(conv.Participants) == 2 {
			t.Delete(store.PairIdxKey(models.PairKey(conv.Participants[0], conv.Participants[1])))
		}
		for _, u := range conv.Participants {
			t.Delete(store.UserConvKey(u, convID))
			t.Notify(store.UserTopic(u))
		}
		return nil
	})
}
