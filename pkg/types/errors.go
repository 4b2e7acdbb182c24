package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Terminal per-event failures. None of these are broadcast to a room.
var (
	ErrAuthorizationDenied    = errors.New("not authorized to join this ticket")
	ErrNotSenderOfMessage     = errors.New("not the sender of this message")
	ErrTicketNotFound         = errors.New("ticket not found")
	ErrMessageDeleted         = errors.New("message has been deleted")
	ErrUnauthenticatedSession = errors.New("session has no resolved identity")
	ErrUnknownEvent           = errors.New("unknown event")
	ErrMalformedPayload       = errors.New("malformed event payload")
)

// ErrorKind names a single payload violation.
type ErrorKind string

const (
	ErrKindTicketIDInvalid  ErrorKind = "ticket_id_invalid"
	ErrKindMessageIDInvalid ErrorKind = "message_id_invalid"
	ErrKindBodyEmpty        ErrorKind = "body_empty"
	ErrKindBodyTooLong      ErrorKind = "body_too_long"
	ErrKindReplyToIDInvalid ErrorKind = "reply_to_id_invalid"
	ErrKindReplyToNotFound  ErrorKind = "reply_to_not_found"
)

// ValidationError carries every violation found in a payload.
type ValidationError struct {
	Kinds []ErrorKind
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Kinds))
	for i, k := range e.Kinds {
		parts[i] = string(k)
	}
	return "invalid payload: " + strings.Join(parts, ", ")
}

// Has reports whether the given kind is among the violations.
func (e *ValidationError) Has(kind ErrorKind) bool {
	for _, k := range e.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// NewValidationError returns nil when kinds is empty.
func NewValidationError(kinds []ErrorKind) error {
	if len(kinds) == 0 {
		return nil
	}
	return &ValidationError{Kinds: kinds}
}

// RateLimitError is returned when a send is denied by the rate limiter.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d messages per window, retry in %ds", e.Limit, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the time to reset up to whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int {
	return RetryAfterSeconds(e.ResetIn)
}

// RetryAfterSeconds converts a wait into a Retry-After value, rounded up.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// PersistenceKind sub-classifies store failures.
type PersistenceKind string

const (
	PersistenceDuplicate  PersistenceKind = "duplicate_entry"
	PersistenceForeignKey PersistenceKind = "foreign_key_violation"
	PersistenceNotFound   PersistenceKind = "not_found"
	PersistenceGeneric    PersistenceKind = "generic"
)

// PersistenceError wraps a failure of the store collaborator. Its text is
// for logs only; callers surface GenericPersistenceMessage instead.
type PersistenceError struct {
	Kind PersistenceKind
	Op   string
	Err  error
}

// GenericPersistenceMessage is the only persistence detail shown to clients.
const GenericPersistenceMessage = "failed to persist message"

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a persistence not-found failure.
func IsNotFound(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Kind == PersistenceNotFound
}
