package store

import "errors"

// ErrSessionNotFound is returned when a session id resolves to nothing in
// memory or in the durable store.
var ErrSessionNotFound = errors.New("session not found")
