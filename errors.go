package tierrouter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors.
var (
	ErrAdapterUnavailable = errors.New("tierrouter: adapter unavailable")
	ErrQuotaExceeded      = errors.New("tierrouter: quota exceeded")
	ErrAllProvidersFailed = errors.New("tierrouter: all providers failed")
	ErrMissingRunID       = errors.New("tierrouter: run id is required")

	// Retryable.
	ErrTimeout     = errors.New("tierrouter: provider call timed out")
	ErrConnection  = errors.New("tierrouter: provider connection failed")
	ErrServerError = errors.New("tierrouter: provider server error")
	ErrRateLimited = errors.New("tierrouter: rate limited by provider")

	// Fatal.
	ErrInvalidRequest    = errors.New("tierrouter: invalid request")
	ErrAuthFailed        = errors.New("tierrouter: authentication failed")
	ErrMalformedResponse = errors.New("tierrouter: malformed provider response")
)

// ProviderError carries transport detail for one failed provider call.
type ProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration // zero when the provider sent none
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tierrouter: provider=%s", e.Provider)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %s", e.Message)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StatusError maps an HTTP status code to a ProviderError. retryAfter is the raw
// Retry-After header value and may be empty.
func StatusError(provider string, status int, retryAfter, message string) *ProviderError {
	pe := &ProviderError{Provider: provider, StatusCode: status, Message: message}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Err = ErrRateLimited
		pe.RetryAfter = ParseRetryAfter(retryAfter, time.Now())
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		pe.Err = ErrAuthFailed
	case status >= 400 && status < 500:
		pe.Err = ErrInvalidRequest
	case status >= 500:
		pe.Err = ErrServerError
	default:
		pe.Err = ErrMalformedResponse
	}
	return pe
}

// ParseRetryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// TransportError classifies an error returned before any HTTP status was seen
// (dial failures, resets, deadlines).
func TransportError(provider string, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, Message: err.Error()}
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		pe.Err = err
	case errors.Is(err, context.DeadlineExceeded):
		pe.Err = ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		pe.Err = ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		pe.Err = ErrConnection
		pe.Message = "connection refused"
	default:
		pe.Err = ErrConnection
	}
	return pe
}

// IsFatal returns true if the error must not be retried against the same provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAdapterUnavailable) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrMalformedResponse)
}

// IsRetryable returns true if the error may be retried against the same provider.
// Errors of unknown origin are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// retryAfter extracts a provider-supplied Retry-After from a rate-limit error.
func retryAfter(err error) (time.Duration, bool) {
	if !errors.Is(err, ErrRateLimited) {
		return 0, false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

// Attempt is the terminal outcome of one provider in a cascade.
type Attempt struct {
	Provider ProviderKind
	Tier     Tier
	Calls    int // calls made, including retries
	Err      error
}

func (a Attempt) String() string {
	return fmt.Sprintf("%s (tier=%s calls=%d): %v", a.Provider, a.Tier, a.Calls, a.Err)
}

// RoutingError is returned when no provider produced a result. It lists every
// attempted provider and its terminal error, in cascade order.
type RoutingError struct {
	RunID    string
	Attempts []Attempt
	Err      error
}

func (e *RoutingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: run=%s attempts=%d", e.Err, e.RunID, len(e.Attempts))
	for _, a := range e.Attempts {
		b.WriteString("; ")
		b.WriteString(a.String())
	}
	return b.String()
}

func (e *RoutingError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, e.Err)
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// ErrorStatus returns a short label for logging the class of an error.
func ErrorStatus(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.As(err, &pe) && pe.StatusCode != 0:
		return strconv.Itoa(pe.StatusCode)
	case errors.Is(err, ErrServerError):
		return "server_error"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "error"
	}
}
