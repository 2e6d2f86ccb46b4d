package store

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrNoSubscribers is returned when a session has no subscriber to derive
	// the canonical artifact prefix from.
	ErrNoSubscribers = errors.New("session has no subscribers")

	// ErrMissingField is returned when a document lacks a field required for
	// the requested transition.
	ErrMissingField = errors.New("document missing required field")
)

// isNotFound reports whether err is the Firestore not-found condition.
func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsContention reports whether err is a lost transactional race (another
// writer committed first). Callers treat it as a silent no-op.
func IsContention(err error) bool {
	switch status.Code(err) {
	case codes.Aborted, codes.FailedPrecondition:
		return true
	}
	return false
}
