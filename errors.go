package kestrel

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited     = errors.New("kestrel: rate limit exceeded")
	ErrQuotaExceeded   = errors.New("kestrel: sender quota exceeded")
	ErrBadSequence     = errors.New("kestrel: bad sequence of commands")
	ErrInvalidAddress  = errors.New("kestrel: invalid address")
	ErrPlaceholderFrom = errors.New("kestrel: placeholder sender address")
	ErrMessageTooLarge = errors.New("kestrel: message too large")
	ErrNoSigningKey    = errors.New("kestrel: no DKIM signing key configured")
)

// RateLimitError reports a connection refused by the reputation store.
// It is terminal for the connection.
type RateLimitError struct {
	Permanent  bool
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Permanent {
		return "kestrel: rate limit exceeded: permanently blocked"
	}
	return fmt.Sprintf("kestrel: rate limit exceeded: blocked for %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
