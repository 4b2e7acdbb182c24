package websocket

import "errors"

// Connection-related errors
var (
	ErrInvalidJSON = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection already registered")
)
