package models

import (
	"sort"
	"strings"
)

// Persisted message types. Video attachments are stored as type "file"
// (or "image" for image MIME types); the video distinction only exists as
// a preview label.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

// Attachment describes an uploaded blob referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"` // MIME type
}

// Message is one unit in a conversation's append-only log. Ordering is
// (CreatedTS, Seq); both are assigned inside the store commit path.
type Message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	// Attachment fields, present iff Type != text.
	FileURL  string `json:"file_url,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileType string `json:"file_type,omitempty"` // MIME type
	Sender   string `json:"sender"`
	// CreatedTS (ns) is server-assigned and, together with Seq, is the sole
	// ordering key within a conversation.
	CreatedTS int64  `json:"created_ts"`
	Seq       uint64 `json:"seq"`
	// Reactions maps emoji -> sorted set of reacting user ids. A user id
	// appears in at most one emoji's set.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// PreviewLabel returns the conversation preview type for this message:
// text, image, video or file.
func (m *Message) PreviewLabel() string {
	switch m.Type {
	case TypeText:
		return PreviewText
	case TypeImage:
		return PreviewImage
	default:
		if strings.HasPrefix(m.FileType, "video/") {
			return PreviewVideo
		}
		return PreviewFile
	}
}

// ReactedWith returns the emoji user currently reacted with, or "".
func (m *Message) ReactedWith(user string) string {
	for emoji, users := range m.Reactions {
		for _, u := range users {
			if u == user {
				return emoji
			}
		}
	}
	return ""
}

// RemoveReaction removes user from every emoji's set and drops emptied
// sets. It returns the emoji the user had reacted with, or "".
func (m *Message) RemoveReaction(user string) string {
	had := ""
	for emoji, users := range m.Reactions {
		kept := users[:0]
		for _, u := range users {
			if u == user {
				had = emoji
				continue
			}
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = kept
		}
	}
	return had
}

// AddReaction inserts user into emoji's set, keeping the set sorted so
// stored documents are deterministic.
func (m *Message) AddReaction(user, emoji string) {
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	users := append(m.Reactions[emoji], user)
	sort.Strings(users)
	m.Reactions[emoji] = users
}
