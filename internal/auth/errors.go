package auth

import (
	"errors"
	"fmt"
	"time"
)

// The closed error set of the subsystem. Handlers map these onto generic
// HTTP responses; the full context goes to the audit trail, never to the
// client. Anything outside this set is an infrastructure failure and
// surfaces as a plain 500.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrNotFound           = errors.New("auth: not found")
)

// AccountLockedError rejects all login attempts for an account until the
// deadline elapses, regardless of credential correctness.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return "auth: account temporarily locked"
}

// RetryAfter reports the remaining lock duration, floored at one second.
func (e *AccountLockedError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// RateLimitedError throttles a request source, independent of any account.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: rate limited, retry after %s", e.RetryAfter)
}

// IsSecurityFailure reports whether err belongs to the closed credential/
// lockout/token set, as opposed to an infrastructure failure.
func IsSecurityFailure(err error) bool {
	var locked *AccountLockedError
	var limited *RateLimitedError
	switch {
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrAccountDisabled),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenRevoked),
		errors.As(err, &locked),
		errors.As(err, &limited):
		return true
	}
	return false
}
