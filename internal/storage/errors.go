package storage

import "errors"

var (
	// ErrStorageUnavailable is returned when the backend connection or a command fails.
	ErrStorageUnavailable = errors.New("storage: unavailable")

	// ErrStorageTimeout is returned when an operation exceeds its time bound.
	ErrStorageTimeout = errors.New("storage: timeout")

	// ErrScriptUnavailable is returned when a server-side script is not loaded or cannot be evaluated.
	ErrScriptUnavailable = errors.New("storage: script unavailable")

	// ErrStorageClosed is returned when an operation is attempted on a closed store.
	ErrStorageClosed = errors.New("storage: closed")
)
