package api

import (
	"errors"
	"net/http"

	"ticketrelay/pkg/types"
)

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		ve *types.ValidationError
		re *types.RateLimitError
	)
	switch {
	case errors.As(err, &ve), errors.Is(err, types.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.As(err, &re):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrUnauthenticatedSession):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrAuthorizationDenied), errors.Is(err, types.ErrNotSenderOfMessage):
		return http.StatusForbidden
	case errors.Is(err, types.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrMessageDeleted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
