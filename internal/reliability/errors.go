package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	// ErrMaxRetriesExceeded is matched by every RetryError
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// CircuitBreakerError is returned when the breaker refuses an execution
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial request limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, next trial at %s",
		e.Name, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold for breaker refusals
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError is returned when Retry gives up
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// permanentError marks an error that must not be retried
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether Retry would try again after err
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *permanentError
	switch {
	case errors.As(err, &permanent):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
