// Package reactions maintains the per-message emoji reaction sets under a
// single-reaction-per-user invariant. Toggles mutate the message and the
// conversation preview/unread state as one optimistic transaction.
package reactions

import (
	"context"
	"fmt"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
)

// Toggle applies user's reaction with emoji to message msgID:
//
//   - reacting with a new emoji adds it (replacing any previous reaction by
//     the same user on this message),
//   - reacting with the emoji the user already has removes it.
//
// Message mutation and conversation side-effects commit atomically; on a
// concurrent change to either document the whole operation retries from
// the read. After the retry budget the toggle fails with ErrTxnConflict
// and neither document is modified.
func Toggle(ctx context.Context, convID, msgID, user, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("emoji missing")
	}
	err := store.RunTxn(ctx, func(t *store.Txn) error {
		var key string
		if err := t.GetJSON(store.MsgIDKey(msgID), &key); err != nil {
			return err
		}
		var msg models.Message
		if err := t.GetJSON(key, &msg); err != nil {
			return err
		}
		// the message must belong to the addressed conversation, otherwise
		// the side-effects below would land on a document the message is
		// not part of
		if msg.Conversation != convID {
			return store.ErrNotFound
		}
		var conv models.Conversation
		if err := t.GetJSON(store.ConvKey(convID), &conv); err != nil {
			return err
		}
		if !conv.Has(user) {
			return fmt.Errorf("user %s is not a participant of %s", user, convID)
		}

		had := msg.RemoveReaction(user)
		added := had != emoji
		if added {
			msg.AddReaction(user, emoji)
		}
		if err := t.SetJSON(key, &msg); err != nil {
			return err
		}

		conv.UpdatedTS = store.Now()
		if added && msg.Sender != user {
			other := conv.Other(user)
			conv.Unread[other]++
			conv.LastMessage = "Reacted " + emoji + " to your message"
			conv.LastMessageType = models.PreviewReaction
			conv.LastSenderID = user
		}
		if err := t.SetJSON(store.ConvKey(convID), &conv); err != nil {
			return err
		}
		for _, p := range conv.Participants {
			t.Notify(store.UserTopic(p))
		}
		return nil
	})
	if err != nil {
		return err
	}
	telemetry.ReactionToggles.Inc()
	logger.Info("reaction_toggled", "conversation", convID, "message", msgID, "user", user, "emoji", emoji)
	return nil
}
