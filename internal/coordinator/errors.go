package coordinator

import (
	"errors"
	"fmt"

	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrUnsupported     = errors.New("operation not supported by device")
	ErrCommandRejected = errors.New("vendor rejected command")
	ErrNoData          = errors.New("no refresh has completed yet")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind classifies why a cycle failed.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindAPI        Kind = "api"
	KindUnexpected Kind = "unexpected"
)

// CycleError is returned by Refresh when a cycle aborts.
type CycleError struct {
	Kind Kind
	Err  error
}

func (e *CycleError) Error() string {
	if e == nil {
		return "refresh failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("refresh failed (%s)", e.Kind)
	}
	return fmt.Sprintf("refresh failed (%s): %v", e.Kind, e.Err)
}

func (e *CycleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ReauthRequired is true when the host should collect credentials again.
func (e *CycleError) ReauthRequired() bool {
	return e != nil && e.Kind == KindAuth
}

func classify(err error) Kind {
	switch {
	case northtracker.IsAuthError(err):
		return KindAuth
	case northtracker.IsRateLimitError(err):
		return KindRateLimit
	case northtracker.IsAPIError(err):
		return KindAPI
	default:
		return KindUnexpected
	}
}

// IsReauthRequired reports whether err is a cycle failure caused by authentication.
func IsReauthRequired(err error) bool {
	var cycleErr *CycleError
	return errors.As(err, &cycleErr) && cycleErr.ReauthRequired()
}
