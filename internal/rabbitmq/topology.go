package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name lets the
// broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents a set of exchanges, queues and bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares topology on a channel
type TopologyManager struct {
	channel *Channel
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(channel *Channel) *TopologyManager {
	return &TopologyManager{channel: channel}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.DeclareQueue(queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := tm.BindQueue(binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(exchange ExchangeDeclaration) error {
	if exchange.Name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidConfiguration)
	}
	kind := exchange.Type
	if kind == "" {
		kind = amqp.ExchangeDirect
	}

	err := tm.channel.ch.ExchangeDeclare(
		exchange.Name,
		kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

// DeclareQueue declares a single queue and returns its name
func (tm *TopologyManager) DeclareQueue(queue QueueDeclaration) (string, error) {
	q, err := tm.channel.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return "", topologyError("queue", queue.Name, "declare", err)
	}
	return q.Name, nil
}

// QueueStats is the queue depth and consumer count reported by the broker
type QueueStats struct {
	Name      string
	Messages  int
	Consumers int
}

// InspectQueue reports the depth and consumer count of an existing queue. The
// broker closes the channel when the queue does not exist, so callers should
// inspect on a channel of their own.
func (tm *TopologyManager) InspectQueue(name string) (QueueStats, error) {
	q, err := tm.channel.ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return QueueStats{}, topologyError("queue", name, "inspect", err)
	}
	return QueueStats{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(binding Binding) error {
	err := tm.channel.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
	}
	return nil
}

// DeleteQueue deletes a queue and returns the number of messages purged
func (tm *TopologyManager) DeleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	purged, err := tm.channel.ch.QueueDelete(name, ifUnused, ifEmpty, false)
	if err != nil {
		return 0, topologyError("queue", name, "delete", err)
	}
	return purged, nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// ConsumerTopology is the layout a consumer service needs: a durable work
// queue bound to the request exchange, and a direct reply exchange
func ConsumerTopology(requestExchange, replyExchange, queue string, routingKeys ...string) Topology {
	topology := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: requestExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: queue, Durable: true},
		},
	}
	if replyExchange != "" && replyExchange != requestExchange {
		topology.Exchanges = append(topology.Exchanges,
			ExchangeDeclaration{Name: replyExchange, Type: amqp.ExchangeDirect, Durable: true})
	}
	if len(routingKeys) == 0 {
		routingKeys = []string{queue}
	}
	for _, key := range routingKeys {
		topology.Bindings = append(topology.Bindings, Binding{
			Queue:      queue,
			Exchange:   requestExchange,
			RoutingKey: key,
		})
	}
	return topology
}
