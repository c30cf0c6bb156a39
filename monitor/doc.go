// Package monitor collects consumer metrics in memory and judges queue
// health from broker statistics.
//
// ConsumerMetrics plugs into a consumer through messaging.WithMetricsCollector
// and keeps, per queue, how many deliveries ended in each result, how many
// blocks were settled and how long the handler took:
//
//	metrics := monitor.NewConsumerMetrics()
//	consumer, _ := messaging.NewConsumer(queue, channel, strategy,
//	    messaging.WithMetricsCollector(metrics))
//	...
//	summary := metrics.Summary()
package monitor
