// Package errkind defines the error taxonomy shared across components.
//
// Errors are wrapped with these sentinels and checked with errors.Is, so
// callers can branch on kind without depending on a specific component's
// error type. User-facing text is built entirely from the kind, never from
// the wrapped error's message, to satisfy the no-raw-upstream-strings
// invariant.
package errkind

import "errors"

// Sentinel error kinds.
var (
	ErrConfig      = errors.New("config error")
	ErrDB          = errors.New("database error")
	ErrAuth        = errors.New("authentication error")
	ErrRateLimited = errors.New("rate limited")
	ErrUpstream    = errors.New("upstream error")
	ErrTransport   = errors.New("transport error")
	ErrParseInput  = errors.New("invalid input")
	ErrPermission  = errors.New("not permitted")
	ErrPartialSend = errors.New("partial send")
	ErrNotFound    = errors.New("not found")
)

// UserMessage returns the fixed, generic phrase shown to chat users for a
// given error, never the wrapped error's own text.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "authentication failed"
	case errors.Is(err, ErrParseInput):
		return "could not parse that command"
	case errors.Is(err, ErrPermission):
		return "not permitted"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrDB), errors.Is(err, ErrUpstream), errors.Is(err, ErrTransport), errors.Is(err, ErrRateLimited):
		return "operation failed"
	default:
		return "operation failed"
	}
}
