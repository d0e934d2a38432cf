package manifest

import "errors"

var (
	// ErrSinkClosed is returned when an edit is applied to a closed store.
	ErrSinkClosed = errors.New("manifest sink closed")

	// ErrIncompatibleVersion is returned when the journal format version
	// is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest journal version")

	// ErrNotFound is returned when no journal exists yet.
	ErrNotFound = errors.New("manifest journal not found")
)
