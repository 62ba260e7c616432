// Package fault defines the typed domain error carried by every business
// failure: a stable machine-readable code plus a human message. Packages
// declare sentinel values with New so callers can branch with errors.Is.
package fault

// Error is a domain failure with a stable code.
type Error struct {
	Code    string
	Message string
}

// New builds a fault with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches two faults by code so wrapped sentinels compare correctly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the machine code from err, or "" when err carries none.
func CodeOf(err error) string {
	for err != nil {
		if f, ok := err.(*Error); ok {
			return f.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
