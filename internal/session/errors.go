package session

import "github.com/cockroachdb/errors"

var (
	ErrConflict     = errors.New("session already exists between these identities")
	ErrNotFound     = errors.New("session not found")
	ErrForbidden    = errors.New("actor is not allowed to perform this transition")
	ErrInvalidState = errors.New("transition not allowed from current state")
)

// ErrRecipientUnavailable is returned by RequestSession when the target has
// no live binding. It matches ErrNotFound.
var ErrRecipientUnavailable = errors.Mark(errors.New("recipient unavailable"), ErrNotFound)

// ErrNotPending is returned by Accept and Reject on a session that already
// left Pending. It matches ErrInvalidState.
var ErrNotPending = errors.Mark(errors.New("session no longer pending"), ErrInvalidState)

// Reason returns the client-facing message for a lifecycle error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrRecipientUnavailable):
		return "recipient unavailable"
	case errors.Is(err, ErrNotPending):
		return "session no longer pending"
	case errors.Is(err, ErrNotFound):
		return "Session not found"
	case errors.Is(err, ErrConflict):
		return "Session already exists"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrInvalidState):
		return "Invalid session state"
	default:
		return "Internal error"
	}
}
