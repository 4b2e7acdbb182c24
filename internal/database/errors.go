package database

import "errors"

// ErrManagerClosed is returned by writes issued after Close.
var ErrManagerClosed = errors.New("database manager is closed")
