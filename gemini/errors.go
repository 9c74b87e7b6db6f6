package gemini

import (
	"fmt"
)

// ErrConnection means the network or TLS layer failed. It is never used for
// cancellation by the caller.
type ErrConnection struct {
	Op     string
	Reason error
}

// Unwrap returns underlying reason.
func (e ErrConnection) Unwrap() error {
	return e.Reason
}

func (e ErrConnection) Error() string {
	return fmt.Sprintf("connection failed during %s: %v", e.Op, e.Reason)
}

// ErrProtocol means the server's response could not be understood.
type ErrProtocol struct {
	Reason string
}

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// ErrURITooLong means the request URL exceeds MaxRequestLength bytes.
type ErrURITooLong struct {
	Length int
}

func (e ErrURITooLong) Error() string {
	return fmt.Sprintf("URI exceeds maximum length of %d bytes (was %d)", MaxRequestLength, e.Length)
}

// ErrRedirectLoop means more consecutive redirects were received than
// allowed.
type ErrRedirectLoop struct {
	Hops int
	URL  string
}

func (e ErrRedirectLoop) Error() string {
	return fmt.Sprintf("too many redirects (%d), last at %s", e.Hops, e.URL)
}

// ErrInvalidURL means a URL can't be requested over Gemini.
type ErrInvalidURL struct {
	URL    string
	Reason string
}

func (e ErrInvalidURL) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.URL, e.Reason)
}
