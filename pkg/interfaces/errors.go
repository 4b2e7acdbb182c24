package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSendQueueFull    = errors.New("send queue full")
	ErrConnectionClosed = errors.New("connection closed")
)
