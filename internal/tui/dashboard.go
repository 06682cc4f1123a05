// Package tui implements the backend dashboard subcommand: a Bubble Tea
// terminal UI that polls the Backend's /api/pending endpoint for pending
// requests, refreshed on a tick rather than an event subscription, since
// the dashboard runs as a separate process from the serving Backend.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	rowStyle    = lipgloss.NewStyle().Padding(0, 1)
	pendingTag  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	resolvedTag = lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true)
	discTag     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Faint(true).Padding(1, 1, 0)
)

// Row is the dashboard's JSON-safe projection of a pending request.
type Row struct {
	RequestID  string
	ToolName   string
	ProjectDir string
	Status     string
}

// StatusSource fetches the current snapshot of pending requests, typically
// an HTTP GET against the Backend's /api/pending route.
type StatusSource interface {
	ListPending() ([]Row, error)
}

type tickMsg time.Time

type pollMsg struct {
	rows []Row
	err  error
}

// Model is the dashboard's Bubble Tea model.
type Model struct {
	source StatusSource
	rows   []Row
	lastErr error
	width  int
	height int
}

// New builds a dashboard Model polling source every second.
func New(source StatusSource) Model {
	return Model{source: source}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), poll(m.source))
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func poll(source StatusSource) tea.Cmd {
	return func() tea.Msg {
		rows, err := source.ListPending()
		return pollMsg{rows: rows, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), poll(m.source))

	case pollMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.rows = msg.rows
		}
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("pending requests (%d)", len(m.rows))))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(errStyle.Render("poll failed: " + m.lastErr.Error()))
		b.WriteString("\n")
	} else if len(m.rows) == 0 {
		b.WriteString(rowStyle.Render("no pending requests"))
		b.WriteString("\n")
	}
	for _, row := range m.rows {
		b.WriteString(rowStyle.Render(fmt.Sprintf("%-10s %-8s %-20s %s",
			row.RequestID, statusTag(row.Status), row.ToolName, row.ProjectDir)))
		b.WriteString("\n")
	}

	b.WriteString(footerStyle.Render("q: quit"))
	return b.String()
}

func statusTag(s string) string {
	switch s {
	case "pending":
		return pendingTag.Render(s)
	case "resolved":
		return resolvedTag.Render(s)
	case "disconnected":
		return discTag.Render(s)
	default:
		return s
	}
}
