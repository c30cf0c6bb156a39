package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after FailureThreshold consecutive failures, refuses
// work for Timeout, then lets a limited number of trial executions through.
// SuccessThreshold successful trials close it again; a failed trial reopens it.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	logger           *slog.Logger
	now              func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	openedAt    time.Time
	lastFailure time.Time
	total       int64
	rejected    int64
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successful trials that close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the concurrent trials allowed while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName names the breaker in logs and errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerLogger sets the logger used for state changes
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// withClock replaces time.Now in tests
func withClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 1,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit refuses it. Context errors returned by
// fn are not counted as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

// State returns the current state, moving an expired open circuit to half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return cb.state
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.total++
	cb.expire()

	switch cb.state {
	case StateOpen:
		cb.rejected++
		return cb.refusal()
	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenRequests {
			cb.rejected++
			return cb.refusal()
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		switch {
		case cb.state == StateHalfOpen:
			cb.transition(StateOpen, "trial failed")
		case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
			cb.transition(StateOpen, "failure threshold reached")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed, "trial succeeded")
		}
	}
}

// expire must be called with mu held
func (cb *CircuitBreaker) expire() {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.timeout)) {
		cb.transition(StateHalfOpen, "open timeout elapsed")
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.inFlight = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}

	if from != to {
		cb.logger.Info("circuit breaker state changed",
			"breaker", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}
}

// refusal must be called with mu held
func (cb *CircuitBreaker) refusal() error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		NextRetry:        cb.openedAt.Add(cb.timeout),
	}
}

// Metrics returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.total,
		Rejected:        cb.rejected,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailure,
	}
}

// CircuitBreakerMetrics is a snapshot of a CircuitBreaker
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	Rejected        int64
	CurrentFailures int
	LastFailureTime time.Time
}
