package engine

import (
	"fmt"

	"github.com/go-errors/errors"
)

// ErrorKind classifies every error the branching engine can return, the
// taxonomy a CLI or other caller switches on to decide how to react.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindAlreadyExists      ErrorKind = "already_exists"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindRuntimeUnavailable ErrorKind = "runtime_unavailable"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindSeedFailed         ErrorKind = "seed_failed"
	KindInternal           ErrorKind = "internal"
)

// Error is the engine's wrapped error type: every operation-level failure
// carries a Kind, the operation and branch name it happened under, and
// the underlying cause.
type Error struct {
	Kind   ErrorKind
	Op     string
	Branch string
	Err    error
}

func (e *Error) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Branch, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error, capturing a stack trace via go-errors/errors at
// the point of creation so a caller printing %+v gets a trace rooted at
// the real failure, not at some later re-wrap.
func Wrap(kind ErrorKind, op, branch string, err error) *Error {
	return &Error{Kind: kind, Op: op, Branch: branch, Err: errors.Wrap(err, 1)}
}

// ErrPortRangeExhausted is returned when no port in the configured range
// is free, resolving spec.md §9's open question on port exhaustion: the
// engine surfaces a precondition-failed error rather than silently
// wrapping around to low, likely-conflicting ports.
var ErrPortRangeExhausted = errors.Errorf("no available port in configured range")
