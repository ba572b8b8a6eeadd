// Package errs classifies errors into the abstract kinds spec §7 names
// (validation, not_found, conflict, transient_io, transient_parse,
// terminal_io, cancelled), in the teacher's sentinel-error idiom rather than
// a heavyweight exception hierarchy — a thin typed wrapper that still
// composes with errors.Is/As/Unwrap.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is one of spec §7's abstract error kinds.
type Kind string

const (
	Validation     Kind = "validation"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	TransientIO    Kind = "transient_io"
	TransientParse Kind = "transient_parse"
	TerminalIO     Kind = "terminal_io"
	Cancelled      Kind = "cancelled"
)

// Error pairs an abstract Kind with the underlying error it classifies.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit Kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind an error was classified with, falling back to
// Cancelled for context cancellation and TerminalIO for anything
// unclassified (spec §7's default "no 4xx/404 signal available" case).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return TerminalIO
}

// Retryable reports whether a kind is worth retrying (spec §4.9 "retry on
// transient error"; validation/not_found/conflict/terminal_io/cancelled are
// never retried).
func Retryable(kind Kind) bool {
	return kind == TransientIO || kind == TransientParse
}
