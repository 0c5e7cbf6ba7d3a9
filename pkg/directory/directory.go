// Package directory owns conversation metadata: find-or-create for a pair
// of users, recency-ordered listing, preview/unread updates and read marks.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
)

// FindOrCreate returns the conversation between userA and userB, creating
// it when none exists. Sequential calls for the same unordered pair return
// the same conversation; simultaneous creation from both participants is
// resolved by the pair-key read conflicting in one of the transactions.
func FindOrCreate(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return models.Conversation{}, fmt.Errorf("conversation requires two distinct participants")
	}
	pair := models.PairKey(userA, userB)
	var conv models.Conversation
	err := store.RunTxn(ctx, func(t *store.Txn) error {
		var convID string
		err := t.GetJSON(store.PairIdxKey(pair), &convID)
		if err == nil {
			return t.GetJSON(store.ConvKey(convID), &conv)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := store.Now()
		conv = models.Conversation{
			ID:           utils.GenConvID(),
			Participants: sortedPair(userA, userB),
			CreatedTS:    now,
			UpdatedTS:    now,
			Unread:       map[string]int{userA: 0, userB: 0},
		}
		if err := t.SetJSON(store.PairIdxKey(pair), conv.ID); err != nil {
			return err
		}
		if err := t.SetJSON(store.ConvKey(conv.ID), &conv); err != nil {
			return err
		}
		t.Set(store.UserConvKey(userA, conv.ID), []byte(`"`+conv.ID+`"`))
		t.Set(store.UserConvKey(userB, conv.ID), []byte(`"`+conv.ID+`"`))
		t.Notify(store.UserTopic(userA))
		t.Notify(store.UserTopic(userB))
		return nil
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func sortedPair(a, b string) []string {
	if a > b {
		a, b = b, a
	}
	return []string{a, b}
}

// Get returns a conversation by id.
func Get(convID string) (models.Conversation, error) {
	var conv models.Conversation
	if err := store.GetJSON(store.ConvKey(convID), &conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListFor returns every conversation user participates in, descending by
// UpdatedTS (ties broken by id for determinism).
func ListFor(user string) ([]models.Conversation, error) {
	kvs, err := store.Scan(store.UserConvPrefix(user))
	if err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(kvs))
	for _, kv := range kvs {
		convID := kv.Key[len(store.UserConvPrefix(user)):]
		conv, err := Get(convID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// index entry outlived the conversation; skip
				continue
			}
			return nil, err
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedTS != out[j].UpdatedTS {
			return out[i].UpdatedTS > out[j].UpdatedTS
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Watch streams snapshots of user's conversation list: one immediately,
// then one after every change, until ctx is done or cancel is called.
// Snapshots replace each other; consumers always render the latest.
func Watch(ctx context.Context, user string) (<-chan []models.Conversation, func()) {
	wake, cancelWatch := store.Watch(store.UserTopic(user))
	out := make(chan []models.Conversation, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		push := func() {
			convs, err := ListFor(user)
			if err != nil {
				logger.Error("directory_watch_list_failed", "user", user, "error", err)
				return
			}
			select {
			case out <- convs:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- convs:
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

// Preview carries the fields set by UpdatePreview. IncrementUnreadFor, when
// non-empty, names the participant whose unread count is incremented.
type Preview struct {
	LastMessage        string
	LastMessageType    string
	LastSenderID       string
	IncrementUnreadFor string
}

// UpdatePreview sets the conversation preview fields, refreshes UpdatedTS
// and applies the unread increment, all in one optimistic transaction so
// concurrent sends cannot lose an increment.
func UpdatePreview(ctx context.Context, convID string, p Preview) error {
	return store.RunTxn(ctx, func(t *store.Txn) error {
		var conv models.Conversation
		if err := t.GetJSON(store.ConvKey(convID), &conv); err != nil {
			return err
		}
		conv.LastMessage = p.LastMessage
		conv.LastMessageType = p.LastMessageType
		conv.LastSenderID = p.LastSenderID
		conv.UpdatedTS = store.Now()
		if p.IncrementUnreadFor != "" {
			if conv.Unread == nil {
				conv.Unread = map[string]int{}
			}
			conv.Unread[p.IncrementUnreadFor]++
		}
		if err := t.SetJSON(store.ConvKey(convID), &conv); err != nil {
			return err
		}
		for _, u := range conv.Participants {
			t.Notify(store.UserTopic(u))
		}
		return nil
	})
}

// MarkRead zeroes user's unread count. Idempotent: when the count is
// already zero nothing is written.
func MarkRead(ctx context.Context, convID, user string) error {
	return store.RunTxn(ctx, func(t *store.Txn) error {
		var conv models.Conversation
		if err := t.GetJSON(store.ConvKey(convID), &conv); err != nil {
			return err
		}
		if conv.Unread[user] == 0 {
			return nil
		}
		conv.Unread[user] = 0
		if err := t.SetJSON(store.ConvKey(convID), &conv); err != nil {
			return err
		}
		t.Notify(store.UserTopic(user))
		return nil
	})
}
