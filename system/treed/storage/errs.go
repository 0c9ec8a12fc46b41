package storage

import "errors"

var (
	// ErrPersistenceTimeout is returned when a mirror write does not
	// complete within the configured timeout.
	ErrPersistenceTimeout = errors.New("persistence timeout")
	// ErrMirrorClosed is returned when writing to a closed mirror.
	ErrMirrorClosed = errors.New("mirror closed")
	// ErrNoSnapshot is returned when no snapshot matches a request.
	ErrNoSnapshot = errors.New("no snapshot")
	// ErrNotFound is returned by operations that need an existing node.
	ErrNotFound = errors.New("not found")
)
