package session

import "errors"

var (
	ErrMissingToken  = errors.New("no credentials presented")
	ErrInvalidClaims = errors.New("token claims do not describe an identity")
)
