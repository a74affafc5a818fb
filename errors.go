package touriquest

import (
	"errors"
	"fmt"
	"time"
)

// Error type labels carried by ClientError.Type.
const (
	ErrorTypeNetwork     = "Network"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeHTTP        = "HTTP"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeAuth        = "Authentication"
	ErrorTypeAmbiguous   = "AmbiguousOutcome"
	ErrorTypeBatch       = "Batch"
	ErrorTypeValidation  = "Validation"
	ErrorTypeRetryBudget = "RetryBudgetExceeded"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when the circuit breaker for the target
	// endpoint class is open and the call fails fast.
	ErrCircuitOpen = errors.New("touriquest: circuit open")

	// ErrAmbiguousOutcome is returned when a non-idempotent write failed
	// mid-flight and it is unknown whether the server applied it. It is
	// never retried internally; the caller decides how to proceed.
	ErrAmbiguousOutcome = errors.New("touriquest: ambiguous outcome")

	// ErrAuthentication is returned when a request still fails with 401
	// after a forced token refresh.
	ErrAuthentication = errors.New("touriquest: authentication failed")

	// ErrRateLimited is returned when a request is denied by the local
	// rate limiter.
	ErrRateLimited = errors.New("touriquest: rate limited")

	// ErrRetryBudgetExceeded is returned when the retry budget window is
	// exhausted.
	ErrRetryBudgetExceeded = errors.New("touriquest: retry budget exceeded")
)

// ClientError is the typed error returned by Execute. Type identifies the
// failure class; the remaining fields carry diagnostic context.
type ClientError struct {
	Type        string
	Message     string
	Cause       error
	RequestID   string
	Method      string
	URL         string
	Endpoint    string
	StatusCode  int
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
	Duration    time.Duration
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types so errors.Is works against sentinels and against
// other ClientError values of the same Type.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrAmbiguousOutcome:
		return e.Type == ErrorTypeAmbiguous
	case ErrAuthentication:
		return e.Type == ErrorTypeAuth
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrRetryBudgetExceeded:
		return e.Type == ErrorTypeRetryBudget
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsTransient reports whether an error represents a transient failure that
// might succeed on retry. Network errors, timeouts and 5xx/429 responses are
// transient; other 4xx responses and ambiguous outcomes are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryBudgetExceeded) || errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout:
			return true
		case ErrorTypeHTTP:
			return clientErr.StatusCode == 429 || clientErr.StatusCode >= 500
		default:
			return false
		}
	}

	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}
