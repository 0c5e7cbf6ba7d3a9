package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits bounds request payloads. Zero values fall back to the defaults
// applied by SetLimits.
type Limits struct {
	MaxTextLen      int
	MaxAttachments  int
	MaxEmojiLen     int
	MaxIDLen        int
	AllowEmptyEmoji bool
}

var limits = Limits{
	MaxTextLen:     8192,
	MaxAttachments: 10,
	MaxEmojiLen:    32,
	MaxIDLen:       128,
}

// SetLimits installs the active limits. Unset numeric fields keep the
// previous value.
func SetLimits(l Limits) {
	if l.MaxTextLen > 0 {
		limits.MaxTextLen = l.MaxTextLen
	}
	if l.MaxAttachments > 0 {
		limits.MaxAttachments = l.MaxAttachments
	}
	if l.MaxEmojiLen > 0 {
		limits.MaxEmojiLen = l.MaxEmojiLen
	}
	if l.MaxIDLen > 0 {
		limits.MaxIDLen = l.MaxIDLen
	}
	limits.AllowEmptyEmoji = l.AllowEmptyEmoji
}

// ValidateSend checks a send request before it enters the queue. A send
// must carry text, attachments, or both.
func ValidateSend(convID, sender, text string, attachments int) error {
	var errs []string
	if err := ValidateID("conversation", convID); err != nil {
		errs = append(errs, err.Error())
	}
	if err := ValidateID("sender", sender); err != nil {
		errs = append(errs, err.Error())
	}
	if strings.TrimSpace(text) == "" && attachments == 0 {
		errs = append(errs, "send requires text or attachments")
	}
	if utf8.RuneCountInString(text) > limits.MaxTextLen {
		errs = append(errs, fmt.Sprintf("text too long: %d > %d", utf8.RuneCountInString(text), limits.MaxTextLen))
	}
	if attachments > limits.MaxAttachments {
		errs = append(errs, fmt.Sprintf("too many attachments: %d > %d", attachments, limits.MaxAttachments))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateID checks a caller-supplied identifier. IDs are opaque but must
// be non-empty, bounded, and free of the characters the key layout uses
// as separators.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > limits.MaxIDLen {
		return fmt.Errorf("%s too long: %d > %d", field, len(id), limits.MaxIDLen)
	}
	if strings.ContainsAny(id, ":|/\x00\n") {
		return fmt.Errorf("%s contains reserved characters", field)
	}
	return nil
}

// ValidateEmoji checks a reaction emoji. Any short non-empty string is
// accepted; clients send literal emoji or short codes.
func ValidateEmoji(emoji string) error {
	if emoji == "" && !limits.AllowEmptyEmoji {
		return errors.New("emoji is required")
	}
	if utf8.RuneCountInString(emoji) > limits.MaxEmojiLen {
		return fmt.Errorf("emoji too long: %d > %d", utf8.RuneCountInString(emoji), limits.MaxEmojiLen)
	}
	if !utf8.ValidString(emoji) {
		return errors.New("emoji is not valid utf-8")
	}
	return nil
}

// ValidateParticipants checks a find-or-create request pair.
func ValidateParticipants(a, b string) error {
	var errs []string
	if err := ValidateID("participant", a); err != nil {
		errs = append(errs, err.Error())
	}
	if err := ValidateID("participant", b); err != nil {
		errs = append(errs, err.Error())
	}
	if a != "" && a == b {
		errs = append(errs, "participants must differ")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
