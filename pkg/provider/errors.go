package provider

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("provider: closed")

// FormatError reports a malformed record. Position is the 1-based record (or line)
// number within the source, 0 when unknown.
type FormatError struct {
	Source   string
	Position int
	ID       string
	Reason   string
	Err      error
}

func (e *FormatError) Error() string {
	msg := "malformed record"
	if e.Source != "" {
		msg += " in " + e.Source
	}
	if e.Position > 0 {
		msg += fmt.Sprintf(" at %d", e.Position)
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" (id %q)", e.ID)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }
