package ftp

import "fmt"

// ProtocolError is returned when the server replies to a command with a
// 4xx or 5xx code.
type ProtocolError struct {
	Command  string
	Response string
	Code     int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is4xx reports whether the error is a temporary failure.
func (e *ProtocolError) Is4xx() bool { return e.Code >= 400 && e.Code < 500 }

// Is5xx reports whether the error is a permanent failure.
func (e *ProtocolError) Is5xx() bool { return e.Code >= 500 && e.Code < 600 }

// ParseError is returned when a server reply cannot be interpreted in the
// shape a command requires, most commonly a malformed PASV reply.
type ParseError struct {
	Context string
	Text    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ftp: %s: %q", e.Context, e.Text)
}

// TimeoutError is returned when the passive data socket sits idle past
// its configured timeout.
type TimeoutError struct {
	Context string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ftp: %s timeout", e.Context)
}

// UsageError is returned for caller mistakes that never reach the wire:
// a missing local file, a directory where a file was expected, issuing a
// second passive transfer while one is in flight, and so on.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return "ftp: " + e.Message
}
