package matrix

import (
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
)

// JoinErrorKind classifies a failed room join.
type JoinErrorKind string

const (
	JoinUnknownRoom         JoinErrorKind = "unknown_room"
	JoinUnrecognizedRequest JoinErrorKind = "unrecognized_request"
	JoinForbidden           JoinErrorKind = "forbidden"
	JoinRateLimited         JoinErrorKind = "rate_limited"
	JoinUnknownToken        JoinErrorKind = "unknown_token"
	JoinOther               JoinErrorKind = "other"
)

// JoinError is the typed result of a failed JoinRoom call.  Join failures are
// never fatal to provisioning; callers log the Hint and continue.
type JoinError struct {
	Kind    JoinErrorKind
	Status  int
	Message string
	wrapped error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join failed (%s, status %d): %s", e.Kind, e.Status, e.Message)
}

func (e *JoinError) Unwrap() error {
	return e.wrapped
}

// Hint returns an actionable operator note for this failure kind.
func (e *JoinError) Hint() string {
	switch e.Kind {
	case JoinUnknownRoom:
		return "room not found, confirm id and invites"
	case JoinUnrecognizedRequest:
		return "homeserver did not recognize the join endpoint, check homeserver version"
	case JoinForbidden:
		return "join forbidden, confirm the user was invited"
	case JoinRateLimited:
		return "rate limited, the join will be retried on the next provisioning pass"
	case JoinUnknownToken:
		return "access token invalid, a fresh login is required"
	default:
		return "unexpected join failure, see message"
	}
}

// classifyJoinError maps a mautrix error onto a JoinError variant.
func classifyJoinError(err error) error {
	je := &JoinError{
		Kind:    JoinOther,
		Status:  HTTPStatus(err),
		Message: err.Error(),
		wrapped: err,
	}
	switch {
	case errors.Is(err, mautrix.MNotFound):
		je.Kind = JoinUnknownRoom
	case errors.Is(err, mautrix.MUnrecognized):
		je.Kind = JoinUnrecognizedRequest
	case errors.Is(err, mautrix.MLimitExceeded):
		je.Kind = JoinRateLimited
	case errors.Is(err, mautrix.MUnknownToken):
		je.Kind = JoinUnknownToken
	case errors.Is(err, mautrix.MForbidden):
		je.Kind = JoinForbidden
	}
	return je
}

// IsAlreadyJoined reports whether a join failure actually means the user is
// already a member.  Homeservers phrase this 403 a few different ways.
func IsAlreadyJoined(err error) bool {
	var je *JoinError
	if !errors.As(err, &je) {
		return false
	}
	if je.Kind != JoinForbidden {
		return false
	}
	msg := strings.ToLower(je.Message)
	return strings.Contains(msg, "already in the room") || strings.Contains(msg, "already joined")
}

// AsJoinError extracts a JoinError from err, or nil.
func AsJoinError(err error) *JoinError {
	var je *JoinError
	if errors.As(err, &je) {
		return je
	}
	return nil
}
