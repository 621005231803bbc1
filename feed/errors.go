package feed

import (
	"errors"
	"fmt"
)

var (
	ErrNotJoined       = errors.New("feed: no active session")
	ErrAlreadyJoined   = errors.New("feed: session already active")
	ErrEmptyText       = errors.New("feed: empty message text")
	ErrInvalidIdentity = errors.New("feed: identity name is required")
	ErrNoStore         = errors.New("feed: strategy has no storage backend")
)

// IOError reports a failed exchange with the storage collaborator. It never
// ends the session; the next poll or user action is the retry.
type IOError struct {
	Op   string
	Room string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("feed: %s %q: %v", e.Op, e.Room, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// IsInvalidInput reports whether err is a locally rejected action.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrEmptyText) || errors.Is(err, ErrInvalidIdentity) || errors.Is(err, ErrNotJoined)
}
