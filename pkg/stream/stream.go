// Package stream is the append-only, creation-time-ordered message log
// scoped to one conversation.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/pkg/blob"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
)

// blobs is the blob store used for best-effort attachment cleanup on
// message delete. Set once during app wiring.
var blobs *blob.Store

// SetBlobStore wires the blob store used by Delete.
func SetBlobStore(b *blob.Store) { blobs = b }

// Append assigns server timestamp and sequence to draft, persists it and
// returns the stored message. The conversation document carries the
// sequence counter, so the append conflicts (and retries) against
// concurrent appends to the same conversation.
func Append(ctx context.Context, convID string, draft models.Message) (models.Message, error) {
	if draft.Sender == "" {
		return models.Message{}, fmt.Errorf("message sender missing")
	}
	var msg models.Message
	err := store.RunTxn(ctx, func(t *store.Txn) error {
		var conv models.Conversation
		if err := t.GetJSON(store.ConvKey(convID), &conv); err != nil {
			return err
		}
		if !conv.Has(draft.Sender) {
			return fmt.Errorf("sender %s is not a participant of %s", draft.Sender, convID)
		}
		msg = draft
		msg.Conversation = convID
		if msg.ID == "" {
			msg.ID = utils.GenMsgID()
		}
		msg.CreatedTS = store.Now()
		conv.LastSeq++
		msg.Seq = conv.LastSeq

		key := store.MsgKey(convID, msg.CreatedTS, msg.Seq)
		if err := t.SetJSON(key, &msg); err != nil {
			return err
		}
		if err := t.SetJSON(store.MsgIDKey(msg.ID), key); err != nil {
			return err
		}
		// LastSeq rides the conversation document; preview fields and
		// UpdatedTS are not touched here (that is UpdatePreview's job).
		return t.SetJSON(store.ConvKey(convID), &conv)
	})
	if err != nil {
		return models.Message{}, err
	}
	logger.Info("message_appended", "conversation", convID, "id", msg.ID, "type", msg.Type)
	return msg, nil
}

// List returns all messages of a conversation ordered by (createdAt, seq)
// ascending. An optional limit keeps only the newest entries.
func List(convID string, limit ...int) ([]models.Message, error) {
	kvs, err := store.Scan(store.MsgPrefix(convID))
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(kvs))
	for _, kv := range kvs {
		var m models.Message
		if err := unmarshalMsg(kv.Value, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(limit) > 0 && limit[0] > 0 && limit[0] < len(out) {
		out = out[len(out)-limit[0]:]
	}
	return out, nil
}

func unmarshalMsg(data []byte, m *models.Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("invalid message document: %w", err)
	}
	return nil
}

// Get resolves a message by id, returning the message and its storage key.
func Get(msgID string) (models.Message, string, error) {
	var key string
	if err := store.GetJSON(store.MsgIDKey(msgID), &key); err != nil {
		return models.Message{}, "", err
	}
	var m models.Message
	if err := store.GetJSON(key, &m); err != nil {
		return models.Message{}, "", err
	}
	return m, key, nil
}

// Watch streams ordered full snapshots of a conversation's log: one
// immediately, then one after every change (replace semantics, not deltas).
func Watch(ctx context.Context, convID string) (<-chan []models.Message, func()) {
	wake, cancelWatch := store.Watch(store.ConvTopic(convID))
	out := make(chan []models.Message, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		push := func() {
			msgs, err := List(convID)
			if err != nil {
				logger.Error("stream_watch_list_failed", "conversation", convID, "error", err)
				return
			}
			select {
			case out <- msgs:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- msgs:
				default:
				}
			}
		}
		push()
		for {
			select {
			case <-wake:
				push()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	var once bool
	cancel := func() {
		if !once {
			once = true
			cancelWatch()
			close(done)
		}
	}
	return out, cancel
}

// Delete removes a message record, deleting its blob first when one is
// attached. Blob deletion is best-effort: a failure is logged and never
// blocks removing the record. Deleting a message that no longer exists is
// a no-op success; a message that belongs to a different conversation is
// left untouched and reported as not found.
func Delete(ctx context.Context, convID, msgID string) error {
	m, key, err := Get(msgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if m.Conversation != convID {
		return store.ErrNotFound
	}
	if m.FilePath != "" && blobs != nil {
		if berr := blobs.Delete(m.FilePath); berr != nil {
			logger.Warn("blob_delete_failed", "path", m.FilePath, "message", msgID, "error", berr)
		}
	}
	return store.RunTxn(ctx, func(t *store.Txn) error {
		t.Delete(key)
		t.Delete(store.MsgIDKey(msgID))
		return nil
	})
}
