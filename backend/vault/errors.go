package vault

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by this package matches exactly one of
// them through errors.Is.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrAuthentication = errors.New("authentication error")
	ErrNotFound       = errors.New("secret not found")
	ErrConflict       = errors.New("secret already exists")
	ErrStore          = errors.New("secret store error")
)

// Error carries the diagnostics of a failed store or login call. Body holds the
// store's error messages, never request payloads.
type Error struct {
	Kind       error
	Op         string
	Path       string
	StatusCode int
	Body       string
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Timeout {
		b.WriteString(": timed out")
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func configError(format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Err: fmt.Errorf(format, args...)}
}

// IsNotFound reports whether err means the path holds no data.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err means a strict create or a check-and-set
// replace lost against existing data.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTimeout reports whether err was caused by a deadline on the store call.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Timeout
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
