// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across canvas/protocol/session layers.
var (
	// ErrNotFound indicates the referenced drawing does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCommand indicates a line that could not be parsed (unknown verb, malformed arguments).
	ErrInvalidCommand = errors.New("invalid command")

	// ErrServerFull indicates the connection was refused at admission time.
	ErrServerFull = errors.New("server full")

	// ErrNicknameTaken indicates another live session already uses the nickname.
	ErrNicknameTaken = errors.New("nickname taken")

	// ErrSessionClosed indicates an operation on a session that was already removed.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull indicates the peer is not draining its outbound queue.
	ErrQueueFull = errors.New("outbound queue full")
)
