package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	mmate "github.com/glimte/mmate-consumer"
	"github.com/glimte/mmate-consumer/jsonrpc"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/glimte/mmate-consumer/monitor"
)

const (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	successStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 2).
			Margin(1, 0, 0, 0)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

func statusStyle(status monitor.Status) lipgloss.Style {
	switch status {
	case monitor.StatusHealthy:
		return successStyle
	case monitor.StatusDegraded:
		return warningStyle
	case monitor.StatusUnhealthy:
		return errorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func printConsumeSummary(client *mmate.Client, stats messaging.ConsumerStats, elapsed time.Duration) {
	queue := client.Config().Consumer.Queue
	summary := client.Metrics().Summary().Queues[queue]

	lines := []string{
		titleStyle.Render("Consumer summary") + mutedStyle.Render("  "+queue),
		"",
		fmt.Sprintf("Consumed:    %d in %s", stats.Consumed, elapsed.Round(time.Millisecond)),
		fmt.Sprintf("Batch size:  %d", stats.BlockSize),
		fmt.Sprintf("Idle flush:  %s", stats.IdleTimeout),
	}

	if len(summary.Deliveries) > 0 {
		lines = append(lines, "", "Deliveries:")
		for _, name := range sortedKeys(summary.Deliveries) {
			lines = append(lines, fmt.Sprintf("  %-15s %d", name, summary.Deliveries[name]))
		}
	}
	if len(summary.Settlements) > 0 {
		lines = append(lines, "", "Settled blocks:")
		for _, name := range sortedKeys(summary.Settlements) {
			s := summary.Settlements[name]
			lines = append(lines, fmt.Sprintf("  %-15s %d blocks, %d messages", name, s.Blocks, s.Messages))
		}
	}
	if summary.Processing.Count > 0 {
		p := summary.Processing
		lines = append(lines, "", fmt.Sprintf("Handling:    avg %dms, p95 %dms, max %dms", p.AvgMs, p.P95Ms, p.MaxMs))
	}
	if summary.Throughput > 0 {
		lines = append(lines, fmt.Sprintf("Throughput:  %.1f msg/s", summary.Throughput))
	}

	fmt.Println(cardStyle.Render(strings.Join(lines, "\n")))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func printRPCResult(result json.RawMessage, elapsed time.Duration) {
	body := string(result)
	var indented bytes.Buffer
	if err := json.Indent(&indented, result, "", "  "); err == nil {
		body = indented.String()
	}
	fmt.Println(successStyle.Render("✓ result") + mutedStyle.Render(" ("+elapsed.String()+")"))
	fmt.Println(body)
}

func printRPCError(err *jsonrpc.Error, elapsed time.Duration) {
	fmt.Println(errorStyle.Render(fmt.Sprintf("✗ error %d", err.Code)) + mutedStyle.Render(" ("+elapsed.String()+")"))
	fmt.Println(err.Message)
	if err.Data != nil {
		data, _ := json.MarshalIndent(err.Data, "", "  ")
		fmt.Println(mutedStyle.Render(string(data)))
	}
}

func queueHealth(ctx context.Context, client *mmate.Client, queues []string) []*monitor.QueueHealth {
	results := make([]*monitor.QueueHealth, 0, len(queues))
	for _, q := range queues {
		health, _ := client.InspectQueue(ctx, q)
		results = append(results, health)
	}
	return results
}

func renderQueueTable(queues []*monitor.QueueHealth) string {
	rows := []string{
		fmt.Sprintf("%-32s %9s %10s  %s", "Queue", "Messages", "Consumers", "Status"),
		strings.Repeat("─", 72),
	}
	for _, q := range queues {
		rows = append(rows, fmt.Sprintf("%-32s %9d %10d  %s",
			truncateString(q.QueueName, 32),
			q.Messages,
			q.Consumers,
			statusStyle(q.Status).Render(strings.ToUpper(string(q.Status))),
		))
		if q.Status != monitor.StatusHealthy {
			rows = append(rows, mutedStyle.Render("  "+q.Message))
		}
	}
	return strings.Join(rows, "\n")
}

func printQueueHealth(queues []*monitor.QueueHealth) {
	fmt.Println(cardStyle.Render(renderQueueTable(queues)))
}

func truncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
