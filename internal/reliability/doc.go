// Package reliability guards outbound publishing with retry policies and a
// circuit breaker.
//
// The RPC client wraps every request publish in a CircuitBreaker so a broker
// that keeps refusing publishes fails calls fast instead of letting them pile
// up waiting for replies that will never come. Retry re-runs an operation
// under a RetryPolicy and stops early on errors marked Permanent or on
// context cancellation.
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithTimeout(30*time.Second),
//	)
//	err := cb.Execute(ctx, func() error {
//	    return reliability.Retry(ctx, policy, publish)
//	})
package reliability
