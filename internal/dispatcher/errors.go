package dispatcher

import (
	"errors"
	"time"

	"ticketrelay/pkg/types"
)

var errHandlerPanic = errors.New("event handler panicked")

// Client-facing error texts that are not taken from an error value.
const (
	errTextInvalidPayload = "invalid payload"
	errTextRateLimited    = "rate limit exceeded"
	errTextInternal       = "internal error"
)

// clientErrors are surfaced verbatim; their text holds no internal detail.
var clientErrors = []error{
	types.ErrAuthorizationDenied,
	types.ErrNotSenderOfMessage,
	types.ErrTicketNotFound,
	types.ErrMessageDeleted,
	types.ErrUnauthenticatedSession,
	types.ErrUnknownEvent,
	types.ErrMalformedPayload,
}

// ErrorPayload renders err for the originating connection. Persistence
// failures collapse to a fixed message; anything unrecognized is internal.
func ErrorPayload(event string, err error, now time.Time) types.ErrorPayload {
	payload := types.ErrorPayload{Event: event, Timestamp: now}

	var (
		ve *types.ValidationError
		re *types.RateLimitError
		pe *types.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		payload.Error = errTextInvalidPayload
		payload.Details = ve.Kinds
	case errors.As(err, &re):
		payload.Error = errTextRateLimited
		payload.Details = types.RateLimitDetails{
			Limit:      re.Limit,
			Remaining:  re.Remaining,
			ResetInMs:  re.ResetIn.Milliseconds(),
			RetryAfter: re.RetryAfterSeconds(),
		}
	case errors.As(err, &pe):
		payload.Error = types.GenericPersistenceMessage
	default:
		payload.Error = errTextInternal
		for _, known := range clientErrors {
			if errors.Is(err, known) {
				payload.Error = known.Error()
				break
			}
		}
	}
	return payload
}

// outcome labels an event result for metrics.
func outcome(err error) string {
	var (
		ve *types.ValidationError
		re *types.RateLimitError
		pe *types.PersistenceError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "invalid_payload"
	case errors.As(err, &re):
		return "rate_limited"
	case errors.As(err, &pe):
		return "persistence"
	case errors.Is(err, types.ErrAuthorizationDenied):
		return "denied"
	case errors.Is(err, types.ErrNotSenderOfMessage):
		return "not_sender"
	case errors.Is(err, types.ErrTicketNotFound):
		return "ticket_not_found"
	case errors.Is(err, types.ErrMessageDeleted):
		return "message_deleted"
	case errors.Is(err, types.ErrUnauthenticatedSession):
		return "unauthenticated"
	case errors.Is(err, types.ErrUnknownEvent), errors.Is(err, types.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, errHandlerPanic):
		return "panic"
	default:
		return "error"
	}
}

// isDuplicate reports a unique-constraint collision, e.g. on ticket number.
func isDuplicate(err error) bool {
	var pe *types.PersistenceError
	return errors.As(err, &pe) && pe.Kind == types.PersistenceDuplicate
}
