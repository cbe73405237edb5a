package router

import (
	"unicode/utf8"

	"github.com/gridchat/chat-server/internal/chaterr"
)

// Limits on the text of a single chat message. Bytes are checked first so
// an oversized payload is rejected before it is decoded.
const (
	MaxMessageBytes = 8 << 10
	MaxTextChars    = 4000 // runes, not bytes
)

// ValidateMessage rejects empty, oversized or non UTF-8 message text before
// any room lookup happens.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return chaterr.Validationf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return chaterr.Validationf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return chaterr.Validationf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return chaterr.Validationf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
