package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/glimte/mmate-consumer/messaging/messagingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFilteringInterceptor(t *testing.T) {
	queue := messagingtest.NewQueue("orders")
	ctx := context.Background()

	t.Run("matching deliveries reach the handler", func(t *testing.T) {
		handler := &mockHandler{}
		handler.On("HandleDelivery", ctx, mock.Anything, queue).Return(contracts.Defer, nil)

		interceptor := NewFilteringInterceptor(NewMessageTypeFilter("order.created"), contracts.Reject, nil)
		result, err := interceptor.Intercept(ctx, testEnvelope(1, "order.created"), queue, handler)
		require.NoError(t, err)
		assert.Equal(t, contracts.Defer, result)
		handler.AssertExpectations(t)
	})

	t.Run("other deliveries get the skip result", func(t *testing.T) {
		handler := &mockHandler{}

		interceptor := NewFilteringInterceptor(NewMessageTypeFilter("order.created"), contracts.Ack, nil)
		result, err := interceptor.Intercept(ctx, testEnvelope(2, "order.deleted"), queue, handler)
		require.NoError(t, err)
		assert.Equal(t, contracts.Ack, result)
		handler.AssertNotCalled(t, "HandleDelivery", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("filter errors reject the delivery", func(t *testing.T) {
		broken := DeliveryFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
			return false, errors.New("lookup failed")
		})

		result, err := NewFilteringInterceptor(broken, contracts.Ack, nil).Intercept(ctx, testEnvelope(3, "a"), queue, &mockHandler{})
		assert.ErrorContains(t, err, "filter error: lookup failed")
		assert.Equal(t, contracts.Reject, result)
	})
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	env := testEnvelope(1, "order.created")
	env.Headers = map[string]interface{}{"tenant": "acme"}

	yes := DeliveryFilterFunc(func(context.Context, *contracts.Envelope) (bool, error) { return true, nil })
	no := DeliveryFilterFunc(func(context.Context, *contracts.Envelope) (bool, error) { return false, nil })

	for _, tt := range []struct {
		name   string
		filter DeliveryFilter
		want   bool
	}{
		{"header filter matches the value", NewHeaderFilter("tenant", "acme"), true},
		{"header filter refuses other values", NewHeaderFilter("tenant", "globex"), false},
		{"header filter refuses missing headers", NewHeaderFilter("region", "eu"), false},
		{"composite needs every filter", NewCompositeFilter(yes, no), false},
		{"composite passes when all pass", NewCompositeFilter(yes, NewMessageTypeFilter("order.created")), true},
		{"or needs one filter", NewOrFilter(no, yes), true},
		{"or refuses when none pass", NewOrFilter(no, NewMessageTypeFilter("x")), false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.ShouldProcess(ctx, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionalInterceptor(t *testing.T) {
	queue := messagingtest.NewQueue("orders")
	ctx := context.Background()

	requeue := NewInterceptorFunc("requeue", func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
		return contracts.RejectRequeue, nil
	})
	interceptor := NewConditionalInterceptor(NewMessageTypeFilter("slow"), requeue)
	assert.Equal(t, "ConditionalInterceptor[requeue]", interceptor.Name())

	handler := &mockHandler{}
	handler.On("HandleDelivery", ctx, mock.Anything, queue).Return(contracts.Ack, nil)

	t.Run("runs the interceptor when the condition passes", func(t *testing.T) {
		result, err := interceptor.Intercept(ctx, testEnvelope(1, "slow"), queue, handler)
		require.NoError(t, err)
		assert.Equal(t, contracts.RejectRequeue, result)
	})

	t.Run("skips it otherwise", func(t *testing.T) {
		result, err := interceptor.Intercept(ctx, testEnvelope(2, "fast"), queue, handler)
		require.NoError(t, err)
		assert.Equal(t, contracts.Ack, result)
	})
}
