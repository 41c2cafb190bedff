package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ModifyWindow bounds how long after creation a sender may edit a message
// or delete it for everyone.
const ModifyWindow = 24 * time.Hour

// ErrInvalidContent is wrapped by every content validation failure.
var ErrInvalidContent = errors.New("invalid message content")

// ValidateSend checks a send request before it is queued.
func ValidateSend(req SendRequest) error {
	if req.ChatID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidContent)
	}
	switch {
	case req.Type == TypeText:
		if strings.TrimSpace(req.Content) == "" {
			return fmt.Errorf("%w: text message cannot be empty", ErrInvalidContent)
		}
	case req.Type == TypeFile:
		if req.MediaURL == "" || req.FileName == "" {
			return fmt.Errorf("%w: file message needs a media reference and a file name", ErrInvalidContent)
		}
	case req.Type.IsMedia():
		if req.MediaURL == "" {
			return fmt.Errorf("%w: %s message needs a media reference", ErrInvalidContent, req.Type)
		}
	case req.Type == TypeLocation, req.Type == TypeContact:
		if strings.TrimSpace(req.Content) == "" {
			return fmt.Errorf("%w: %s message needs content", ErrInvalidContent, req.Type)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, req.Type)
	}
	return nil
}
