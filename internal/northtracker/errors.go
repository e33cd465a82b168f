package northtracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrNoCredentials means a login was needed but no username/password is stored.
var ErrNoCredentials = errors.New("no credentials available for authentication")

// AuthenticationError reports bad credentials or an unrecoverable 401.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e == nil {
		return "authentication failed"
	}
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RateLimitError means the vendor kept answering 429 until retries ran out.
type RateLimitError struct {
	Endpoint string
	Attempts int
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "rate limit exceeded"
	}
	return fmt.Sprintf("rate limit exceeded for %s after %d attempts", e.Endpoint, e.Attempts)
}

// APIError covers every failure that is neither auth nor rate limit:
// exhausted network retries, non-2xx statuses and malformed bodies.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	var b strings.Builder
	b.WriteString("northtracker api error")
	if e.Endpoint != "" {
		b.WriteString(" for ")
		b.WriteString(e.Endpoint)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsAuthError reports whether err carries an AuthenticationError.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsRateLimitError reports whether err carries a RateLimitError.
func IsRateLimitError(err error) bool {
	var rateErr *RateLimitError
	return errors.As(err, &rateErr)
}

// IsAPIError reports whether err carries an APIError.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	message := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"broken pipe",
		"connection reset",
		"connection refused",
		"use of closed network connection",
		"timeout",
	} {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}
