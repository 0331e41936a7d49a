package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
)

// Class partitions gateway failures by how callers must react.
type Class int

const (
	// ClassTransient covers network failures and 5xx responses; safe to
	// retry with backoff.
	ClassTransient Class = iota
	// ClassRateLimited means the service refused the call until a reset
	// time; callers back off, this is not a failure to report upward.
	ClassRateLimited
	// ClassPermanent covers 4xx rejections other than rate limiting;
	// surfaced to the caller, never retried automatically.
	ClassPermanent
	// ClassAuthExpired is a 401: the credential is no longer usable and
	// the orchestrator cannot resolve that itself.
	ClassAuthExpired
)

// String returns the lowercase class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	case ClassAuthExpired:
		return "auth_expired"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error is the classified failure every Gateway method returns.
type Error struct {
	// Op names the gateway operation, e.g. "list_issues".
	Op    string
	Class Class
	// StatusCode is the HTTP status when a response was received.
	StatusCode int
	// RetryAfter is the rate-limit reset time; zero unless
	// Class == ClassRateLimited.
	RetryAfter time.Time
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s (status %d)", e.Op, e.Class, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	return hasClass(err, ClassTransient)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return hasClass(err, ClassRateLimited)
}

// IsPermanent reports whether err is a non-retryable rejection.
// AuthExpired counts as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ClassPermanent) || hasClass(err, ClassAuthExpired)
}

// IsAuthExpired reports whether err means the credential is unusable.
func IsAuthExpired(err error) bool {
	return hasClass(err, ClassAuthExpired)
}

// ResetTime extracts the rate-limit reset time from err.
func ResetTime(err error) (time.Time, bool) {
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Class == ClassRateLimited && !gerr.RetryAfter.IsZero() {
		return gerr.RetryAfter, true
	}
	return time.Time{}, false
}

func hasClass(err error, c Class) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Class == c
}

// classify maps a go-github response/error pair onto the failure
// taxonomy. A nil return means the call succeeded.
func classify(op string, resp *github.Response, err error) *Error {
	if err == nil {
		return nil
	}

	// go-github surfaces primary rate limits and abuse detection as
	// typed errors carrying the reset information.
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &Error{
			Op:         op,
			Class:      ClassRateLimited,
			StatusCode: http.StatusForbidden,
			RetryAfter: rateErr.Rate.Reset.Time,
			Err:        err,
		}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		after := time.Now().Add(time.Minute)
		if abuseErr.RetryAfter != nil {
			after = time.Now().Add(*abuseErr.RetryAfter)
		}
		return &Error{
			Op:         op,
			Class:      ClassRateLimited,
			StatusCode: http.StatusForbidden,
			RetryAfter: after,
			Err:        err,
		}
	}

	// No response at all: network-level failure.
	if resp == nil || resp.Response == nil {
		return &Error{Op: op, Class: ClassTransient, Err: err}
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{
			Op:         op,
			Class:      ClassRateLimited,
			StatusCode: status,
			RetryAfter: resp.Rate.Reset.Time,
			Err:        err,
		}
	case status == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0:
		// Secondary rate limiting arrives as a plain 403 with
		// exhausted rate headers.
		return &Error{
			Op:         op,
			Class:      ClassRateLimited,
			StatusCode: status,
			RetryAfter: resp.Rate.Reset.Time,
			Err:        err,
		}
	case status == http.StatusUnauthorized:
		return &Error{Op: op, Class: ClassAuthExpired, StatusCode: status, Err: err}
	case status >= 500:
		return &Error{Op: op, Class: ClassTransient, StatusCode: status, Err: err}
	case status >= 400:
		return &Error{Op: op, Class: ClassPermanent, StatusCode: status, Err: err}
	default:
		return &Error{Op: op, Class: ClassTransient, StatusCode: status, Err: err}
	}
}

// permanentf builds a Permanent error for conditions the gateway itself
// detects, such as an unknown field name or an unconfirmed merge.
func permanentf(op, format string, args ...any) *Error {
	return &Error{Op: op, Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}
