package interceptors

import (
	"context"
	"sync"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
)

type contextKey string

const (
	// InterceptorContextKey is the key for storing interceptor context
	InterceptorContextKey contextKey = "mmate:interceptor:context"
)

// Keys set by the built-in interceptors
const (
	KeyQueue       = "queue"
	KeyDeliveryTag = "deliveryTag"
	KeyAttempt     = "attempt"
)

// InterceptorContext holds values shared between the interceptors of one
// delivery
type InterceptorContext struct {
	values map[string]interface{}
	mu     sync.RWMutex
}

// NewInterceptorContext creates a new interceptor context
func NewInterceptorContext() *InterceptorContext {
	return &InterceptorContext{
		values: make(map[string]interface{}),
	}
}

// Set stores a value in the interceptor context
func (ic *InterceptorContext) Set(key string, value interface{}) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.values[key] = value
}

// Get retrieves a value from the interceptor context
func (ic *InterceptorContext) Get(key string) (interface{}, bool) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	value, exists := ic.values[key]
	return value, exists
}

// GetString retrieves a string value from the interceptor context
func (ic *InterceptorContext) GetString(key string) (string, bool) {
	value, exists := ic.Get(key)
	if !exists {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInt retrieves an int value from the interceptor context
func (ic *InterceptorContext) GetInt(key string) (int, bool) {
	value, exists := ic.Get(key)
	if !exists {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetInterceptorContext retrieves the interceptor context from the context
func GetInterceptorContext(ctx context.Context) (*InterceptorContext, bool) {
	ic, ok := ctx.Value(InterceptorContextKey).(*InterceptorContext)
	return ic, ok
}

// WithInterceptorContext adds the interceptor context to the context
func WithInterceptorContext(ctx context.Context, ic *InterceptorContext) context.Context {
	return context.WithValue(ctx, InterceptorContextKey, ic)
}

// EnsureInterceptorContext ensures an interceptor context exists in the context
func EnsureInterceptorContext(ctx context.Context) (context.Context, *InterceptorContext) {
	ic, exists := GetInterceptorContext(ctx)
	if !exists {
		ic = NewInterceptorContext()
		ctx = WithInterceptorContext(ctx, ic)
	}
	return ctx, ic
}

// ContextEnricher adds values derived from a delivery to the interceptor context
type ContextEnricher interface {
	Enrich(ctx context.Context, ic *InterceptorContext, env *contracts.Envelope) error
}

// ContextEnricherFunc is a function adapter for ContextEnricher
type ContextEnricherFunc func(ctx context.Context, ic *InterceptorContext, env *contracts.Envelope) error

// Enrich implements ContextEnricher
func (f ContextEnricherFunc) Enrich(ctx context.Context, ic *InterceptorContext, env *contracts.Envelope) error {
	return f(ctx, ic, env)
}

// ContextEnrichmentInterceptor gives each delivery an interceptor context
// holding the queue name and delivery tag, plus whatever the enricher adds
type ContextEnrichmentInterceptor struct {
	enricher ContextEnricher
}

// NewContextEnrichmentInterceptor creates a new context enrichment
// interceptor. enricher may be nil.
func NewContextEnrichmentInterceptor(enricher ContextEnricher) *ContextEnrichmentInterceptor {
	return &ContextEnrichmentInterceptor{enricher: enricher}
}

// Intercept implements Interceptor
func (i *ContextEnrichmentInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	ctx, ic := EnsureInterceptorContext(ctx)
	if queue != nil {
		ic.Set(KeyQueue, queue.Name())
	}
	ic.Set(KeyDeliveryTag, env.DeliveryTag)

	if i.enricher != nil {
		if err := i.enricher.Enrich(ctx, ic, env); err != nil {
			return contracts.Reject, err
		}
	}

	return next.HandleDelivery(ctx, env, queue)
}

// Name implements Interceptor
func (i *ContextEnrichmentInterceptor) Name() string {
	return "ContextEnrichmentInterceptor"
}
