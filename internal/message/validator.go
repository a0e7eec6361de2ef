package message

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max encoded size of a message body
	MaxContentChars = 2000 // max character count
	MaxQuotedChars  = 500  // quoted profile text is a short excerpt
)

// ValidateContent checks that a submitted message body meets content
// requirements before it is persisted.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateQuotedProfileText checks the optional quoted excerpt attached to a
// message. An empty value is valid.
func ValidateQuotedProfileText(quoted string) error {
	if quoted == "" {
		return nil
	}
	if utf8.RuneCountInString(quoted) > MaxQuotedChars {
		return fmt.Errorf("quoted text exceeds %d character limit", MaxQuotedChars)
	}
	if !utf8.ValidString(quoted) {
		return fmt.Errorf("quoted text contains invalid UTF-8")
	}
	return nil
}
