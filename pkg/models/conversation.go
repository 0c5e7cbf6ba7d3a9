package models

import "strings"

// Preview type labels stored on a conversation. These classify the last
// activity for sidebar rendering; "video" is derived from the attachment
// MIME type at send time and is never a persisted message type.
const (
	PreviewText     = "text"
	PreviewImage    = "image"
	PreviewVideo    = "video"
	PreviewFile     = "file"
	PreviewReaction = "reaction"
)

// Conversation is a durable two-participant thread. Participants are fixed
// at creation and stored sorted. Unread always carries an entry for both
// participants; LastSeq is the per-conversation message sequence used to
// break createdAt ties.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	// Preview fields shown in the sidebar.
	LastMessage     string `json:"last_message,omitempty"`
	LastMessageType string `json:"last_message_type,omitempty"`
	LastSenderID    string `json:"last_sender_id,omitempty"`
	// Created/Updated timestamps (ns), server-assigned.
	CreatedTS int64 `json:"created_ts"`
	UpdatedTS int64 `json:"updated_ts"`
	// Unread maps participant id -> count of unacknowledged activity.
	Unread map[string]int `json:"unread"`
	// LastSeq is the sequence number of the most recently appended message.
	LastSeq uint64 `json:"last_seq"`
}

// Has reports whether user is one of the two participants.
func (c *Conversation) Has(user string) bool {
	for _, p := range c.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// Other returns the participant that is not user, or "" if user is not a
// participant.
func (c *Conversation) Other(user string) string {
	if !c.Has(user) {
		return ""
	}
	for _, p := range c.Participants {
		if p != user {
			return p
		}
	}
	return ""
}

// PairKey returns the canonical unordered-pair key for two user ids. The
// same pair always yields the same key regardless of argument order.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SplitPairKey is the inverse of PairKey.
func SplitPairKey(k string) (string, string) {
	i := strings.IndexByte(k, '|')
	if i < 0 {
		return k, ""
	}
	return k[:i], k[i+1:]
}
