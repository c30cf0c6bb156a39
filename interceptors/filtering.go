package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
)

// DeliveryFilter decides whether a delivery reaches the handler
type DeliveryFilter interface {
	// ShouldProcess returns true if the delivery should be handled
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// DeliveryFilterFunc is a function adapter for DeliveryFilter
type DeliveryFilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldProcess implements DeliveryFilter
func (f DeliveryFilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// FilteringInterceptor settles deliveries its filter refuses with a fixed
// result instead of handing them on
type FilteringInterceptor struct {
	filter     DeliveryFilter
	skipResult contracts.DeliveryResult
	logger     *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor. Refused
// deliveries are settled with skipResult; a nil logger disables the skip log.
func NewFilteringInterceptor(filter DeliveryFilter, skipResult contracts.DeliveryResult, logger *slog.Logger) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:     filter,
		skipResult: skipResult,
		logger:     logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return contracts.Reject, fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		if i.logger != nil {
			i.logger.Debug("delivery filtered",
				"deliveryTag", env.DeliveryTag,
				"messageType", env.Type,
				"result", i.skipResult.String(),
			)
		}
		return i.skipResult, nil
	}

	return next.HandleDelivery(ctx, env, queue)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []DeliveryFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...DeliveryFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements DeliveryFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []DeliveryFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...DeliveryFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements DeliveryFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// MessageTypeFilter passes deliveries whose type property is one of a set
type MessageTypeFilter struct {
	allowedTypes map[string]bool
}

// NewMessageTypeFilter creates a filter that only allows specific message types
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	typeMap := make(map[string]bool)
	for _, t := range allowedTypes {
		typeMap[t] = true
	}
	return &MessageTypeFilter{allowedTypes: typeMap}
}

// ShouldProcess implements DeliveryFilter
func (f *MessageTypeFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f.allowedTypes[env.Type], nil
}

// HeaderFilter passes deliveries carrying a header with the given string value
type HeaderFilter struct {
	key   string
	value string
}

// NewHeaderFilter creates a new header filter
func NewHeaderFilter(key, value string) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

// ShouldProcess implements DeliveryFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return env.Header(f.key) == f.value, nil
}

// ConditionalInterceptor runs an interceptor only for deliveries the
// condition passes
type ConditionalInterceptor struct {
	condition   DeliveryFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition DeliveryFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	shouldExecute, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return contracts.Reject, err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, env, queue, next)
	}

	return next.HandleDelivery(ctx, env, queue)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
