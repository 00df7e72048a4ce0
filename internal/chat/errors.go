package chat

import "errors"

var (
	// ErrEmptyMessage is returned for whitespace-only sends.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrNotConnected is returned when an emit requires a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrFileTooLarge is returned for uploads over the configured limit.
	ErrFileTooLarge = errors.New("file exceeds upload size limit")
	// ErrClosed is returned after the client has been shut down.
	ErrClosed = errors.New("chat client is closed")
)
