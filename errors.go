package rcchat

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotSignedIn         = errors.New("rcchat: no user signed in")
	ErrEmptyMessage        = errors.New("rcchat: message is empty")
	ErrUnknownConversation = errors.New("rcchat: unknown conversation")
	ErrNotConnected        = errors.New("rcchat: event channel not connected")
	// ErrSuperseded is returned to a search that a newer search replaced.
	ErrSuperseded = fmt.Errorf("rcchat: search superseded: %w", context.Canceled)
)

// APIError is a non-success answer from the chat server.
type APIError struct {
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status"`
	Message  string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return e.Endpoint + ": " + e.Message
}

// IsCanceled reports whether err stems from a cancelled context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
