package letta

import (
	"errors"
	"fmt"
)

// APIError carries the Letta HTTP status and a truncated response body.
type APIError struct {
	Status int
	Body   string
}

// newAPIError truncates the body to 200 chars so log lines stay readable.
func newAPIError(status int, body []byte) *APIError {
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return &APIError{Status: status, Body: s}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("letta: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status indicates a transient server fault.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 500, 502, 503:
		return true
	}
	return false
}

// ConversationBusyError is surfaced after the 409 CONVERSATION_BUSY retry
// budget is exhausted.
type ConversationBusyError struct {
	AgentID string
}

func (e *ConversationBusyError) Error() string {
	return fmt.Sprintf("letta: conversation busy for agent %s", e.AgentID)
}

// IsConversationBusy reports whether err is (or wraps) a busy-conversation
// response, before or after retry exhaustion.
func IsConversationBusy(err error) bool {
	var busy *ConversationBusyError
	if errors.As(err, &busy) {
		return true
	}
	var api *APIError
	return errors.As(err, &api) && api.Status == 409
}
