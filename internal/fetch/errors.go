package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies fetch failures.
type Kind int

const (
	Transient Kind = iota
	RateLimited
	Timeout
	NotFound
	Forbidden
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error is a classified fetch failure. After the retry loop gives up,
// Attempts holds the number of requests made.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the fetcher's retry policy applies.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Transient, RateLimited, Timeout:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of a fetch error and whether err is one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// classifyStatus maps a non-2xx HTTP status to a fetch error kind.
// Unlisted 4xx responses are treated as NotFound: the request as made
// will not succeed on retry.
func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return NotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Forbidden
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Timeout
	case code >= 500:
		return Transient
	default:
		return NotFound
	}
}
