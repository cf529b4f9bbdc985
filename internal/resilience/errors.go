package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error as safe to retry. The Anthropic client
// attaches it to rate-limit and server-side API failures so the retry
// loop can tell them apart from invalid-request errors.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable, keeping the HTTP status
// that triggered the classification.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// apiPatterns match Anthropic API failures once the status code has
// been wrapped away: the API reports overload and rate limiting by
// error type in the body, and the SDK surfaces mid-stream drops as
// plain read errors.
var apiPatterns = []string{
	"overloaded_error",
	"rate_limit_error",
	"rate limit",
	"unexpected eof",
	"stream error",
}

// netPatterns catch connection-level failures that arrive as wrapped
// strings rather than typed errors.
var netPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError anywhere in the chain, a network timeout or dropped
// connection, or an API failure shape the service emits under load.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range apiPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range netPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an Anthropic API status code
// indicates a retryable condition. 529 is the API's overloaded
// response.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}
