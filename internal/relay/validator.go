package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextBytes    = 4096 // 4KB max text payload
	MaxTextChars    = 2000 // max character count
	MaxEmojiBytes   = 16
	MaxImageBytes   = 7 * 1024 * 1024 // encoded data URL, roughly 5MB of image
	MaxSeenIDs      = 100
	MaxMessageIDLen = 64
)

const imageURLPrefix = "data:image/"

// ImageTooLarge is the user-facing text for an oversized image.
const ImageTooLarge = "Image too large. Max 5MB."

// ValidateText checks that a chat message meets content requirements.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrPayloadTooLarge, MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrPayloadTooLarge, MaxTextChars)
	}
	return nil
}

// ValidateEmoji checks a standalone emoji payload.
func ValidateEmoji(emoji string) error {
	if emoji == "" || !utf8.ValidString(emoji) {
		return fmt.Errorf("%w: invalid emoji", ErrInvalidMessage)
	}
	if len(emoji) > MaxEmojiBytes {
		return fmt.Errorf("%w: emoji exceeds %d bytes", ErrPayloadTooLarge, MaxEmojiBytes)
	}
	return nil
}

// ValidateImage checks an inline image data URL.
func ValidateImage(data string) error {
	if !strings.HasPrefix(data, imageURLPrefix) {
		return fmt.Errorf("%w: image must be a data:image/ URL", ErrInvalidImage)
	}
	if len(data) > MaxImageBytes {
		return fmt.Errorf("%w: %s", ErrPayloadTooLarge, ImageTooLarge)
	}
	return nil
}

// ValidateMessageID checks a client-chosen message id. Empty ids are allowed.
func ValidateMessageID(id string) error {
	if len(id) > MaxMessageIDLen {
		return fmt.Errorf("%w: message id exceeds %d bytes", ErrInvalidMessage, MaxMessageIDLen)
	}
	return nil
}

// ValidateSeen checks a read receipt.
func ValidateSeen(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no message ids", ErrInvalidMessage)
	}
	if len(ids) > MaxSeenIDs {
		return fmt.Errorf("%w: more than %d message ids", ErrPayloadTooLarge, MaxSeenIDs)
	}
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty message id", ErrInvalidMessage)
		}
		if err := ValidateMessageID(id); err != nil {
			return err
		}
	}
	return nil
}
