// Package interceptors wraps a messaging.DeliveryHandler in a chain of
// cross-cutting steps without touching the handler itself.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each delivery with its result and duration
//   - TimeoutInterceptor: bounds the handling time of a delivery
//   - RetryInterceptor: calls the handler again on error with backoff
//   - CircuitBreakerInterceptor: requeues deliveries while the handler keeps failing
//   - FilteringInterceptor: settles unwanted deliveries without handling them
//   - ContextEnrichmentInterceptor: shares per-delivery values between steps
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(
//			interceptors.NewMessageTypeFilter("order.created"), contracts.Reject, logger)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second))
//
//	consumer, err := client.NewBatchConsumer(chain.Then(handler))
//
// A handler error that escapes the chain is turned into a reject by the
// consumer, like any other handler error.
package interceptors
