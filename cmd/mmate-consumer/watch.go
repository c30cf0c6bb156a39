package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	mmate "github.com/glimte/mmate-consumer"
	"github.com/glimte/mmate-consumer/config"
	"github.com/glimte/mmate-consumer/health"
	"github.com/glimte/mmate-consumer/monitor"
	"github.com/spf13/cobra"
)

var (
	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Background(lipgloss.Color("#374151")).
			Bold(true).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Margin(1, 0)
)

type tab int

const (
	queuesTab tab = iota
	healthTab
	tabCount
)

type model struct {
	client      *mmate.Client
	queues      []string
	interval    time.Duration
	activeTab   tab
	width       int
	lastUpdate  time.Time
	autoRefresh bool

	// Data
	queueHealth []*monitor.QueueHealth
	health      *health.OverallHealth

	selectedQueue int
	error         error
}

type tickMsg struct{}

type dataMsg struct {
	queueHealth []*monitor.QueueHealth
	health      health.OverallHealth
	err         error
}

func watchCommand(flags *globalFlags) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch [queues...]",
		Short: "Watch queue depth and health in a terminal dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd, flags, func(cfg *config.Config) {
				// log lines would tear the dashboard
				cfg.Log.Level = "error"
			})
			if err != nil {
				return err
			}
			defer client.Close()

			queues := args
			if len(queues) == 0 && client.Config().Consumer.Queue != "" {
				queues = []string{client.Config().Consumer.Queue}
			}
			if len(queues) == 0 {
				return errors.New("no queue given (pass names or --queue)")
			}
			for _, q := range queues {
				client.RegisterQueueCheck(q)
			}

			m := model{
				client:      client,
				queues:      queues,
				interval:    interval,
				autoRefresh: true,
				lastUpdate:  time.Now(),
			}
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			if errors.Is(err, tea.ErrProgramKilled) && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Refresh interval")
	return cmd
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "tab", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil

		case "shift+tab", "left":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			return m, nil

		case "r":
			return m, m.fetchData()

		case " ":
			m.autoRefresh = !m.autoRefresh
			if m.autoRefresh {
				return m, m.tickCmd()
			}
			return m, nil

		case "up":
			if m.selectedQueue > 0 {
				m.selectedQueue--
			}
			return m, nil

		case "down":
			if m.selectedQueue < len(m.queueHealth)-1 {
				m.selectedQueue++
			}
			return m, nil
		}

	case tickMsg:
		if m.autoRefresh {
			return m, tea.Batch(m.fetchData(), m.tickCmd())
		}

	case dataMsg:
		m.error = msg.err
		m.queueHealth = msg.queueHealth
		m.health = &msg.health
		m.lastUpdate = time.Now()
		return m, nil
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := headerStyle.Width(m.width - 2).Render("mmate-consumer watch")
	tabs := lipgloss.JoinHorizontal(lipgloss.Left,
		m.renderTab("Queues", queuesTab),
		m.renderTab("Health", healthTab),
	)

	var content string
	switch m.activeTab {
	case queuesTab:
		content = m.renderQueues()
	case healthTab:
		content = m.renderHealth()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		tabs,
		content,
		m.renderStatusBar(),
		helpStyle.Render("Tab/→: Next tab | Shift+Tab/←: Previous tab | ↑↓: Navigate | R: Refresh | Space: Toggle auto-refresh | Q: Quit"),
	)
}

func (m model) renderTab(title string, t tab) string {
	if m.activeTab == t {
		return activeTabStyle.Render(title)
	}
	return tabStyle.Render(title)
}

func (m model) renderQueues() string {
	if m.queueHealth == nil {
		return cardStyle.Render("Loading queues...")
	}

	table := renderQueueTable(m.queueHealth)
	if m.selectedQueue >= len(m.queueHealth) {
		return cardStyle.Render(table)
	}

	selected := m.queueHealth[m.selectedQueue]
	details := fmt.Sprintf("Queue: %s\nStatus: %s\nMessages: %d\nConsumers: %d\n%s",
		selected.QueueName,
		statusStyle(selected.Status).Render(strings.ToUpper(string(selected.Status))),
		selected.Messages,
		selected.Consumers,
		selected.Message,
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		cardStyle.Render(table),
		cardStyle.Render(details),
	)
}

func (m model) renderHealth() string {
	if m.health == nil {
		return cardStyle.Render("Loading health data...")
	}

	overall := fmt.Sprintf("Overall Status: %s", statusStyle(m.health.Status).Render(strings.ToUpper(string(m.health.Status))))
	parts := []string{cardStyle.Render(overall)}

	names := make([]string, 0, len(m.health.Checks))
	for name := range m.health.Checks {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		check := m.health.Checks[name]
		content := fmt.Sprintf("%s: %s\n%s",
			name,
			statusStyle(check.Status).Render(strings.ToUpper(string(check.Status))),
			check.Message,
		)
		if check.Error != "" {
			content += "\n" + errorStyle.Render(check.Error)
		}
		parts = append(parts, cardStyle.Render(content))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m model) renderStatusBar() string {
	refreshStatus := "Auto-refresh: ON"
	if !m.autoRefresh {
		refreshStatus = "Auto-refresh: OFF"
	}

	statusParts := []string{refreshStatus, fmt.Sprintf("Last update: %s", m.lastUpdate.Format("15:04:05"))}
	if m.error != nil {
		statusParts = append(statusParts, errorStyle.Render(fmt.Sprintf("Error: %v", m.error)))
	}
	return helpStyle.Render(strings.Join(statusParts, " | "))
}

func (m model) fetchData() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()

		msg := dataMsg{
			queueHealth: queueHealth(ctx, m.client, m.queues),
			health:      m.client.Health().Check(ctx),
		}
		if !m.client.Transport().IsConnected() {
			msg.err = errors.New("connection closed")
		}
		return msg
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
