package models

// PresenceRecord is the ephemeral online flag for a user. Last writer wins;
// there is no persistence guarantee.
type PresenceRecord struct {
	Online bool  `json:"online"`
	TS     int64 `json:"ts"`
}

// TypingRecord is the ephemeral composing flag for (conversation, user).
// TS is the server receipt time; the sweeper clears records whose TS is
// older than the configured quiet period.
type TypingRecord struct {
	Typing bool  `json:"typing"`
	TS     int64 `json:"ts"`
}
