// Package cfgerr defines the single error class of infragraph: a violated
// configuration precondition. Any such error aborts compilation before an
// apply engine ever sees a graph.
package cfgerr

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches every *Error via errors.Is.
var ErrConfiguration = errors.New("configuration error")

// Error reports which step (Op) rejected the configuration and why.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports true for ErrConfiguration so callers need not know the sentinel.
func (e *Error) Is(target error) bool { return target == ErrConfiguration }

// New wraps err as a configuration error raised by op.
func New(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Newf builds a configuration error that wraps sentinel with a formatted detail.
func Newf(op string, sentinel error, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}
