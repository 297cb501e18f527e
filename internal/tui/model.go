// Package tui is the interactive status view behind `tessera status --watch`.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tessera-app/supervisor/internal/api"
	"github.com/tessera-app/supervisor/internal/supervisor"
)

const refreshInterval = time.Second

var _ Controller = (*api.Client)(nil)

// Controller is the part of *api.Client the view drives.
type Controller interface {
	Health(ctx context.Context) (api.HealthResponse, error)
	Processes(ctx context.Context) ([]supervisor.ProcessStatus, error)
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (string, error)
}

// Model is the Bubble Tea state.
type Model struct {
	controller Controller

	table     table.Model
	processes []supervisor.ProcessStatus
	health    api.HealthResponse
	statusMsg string
	err       error
	loading   bool

	width  int
	height int

	lastUpdated time.Time
}

var columns = []table.Column{
	{Title: "NAME", Width: 18},
	{Title: "GROUP", Width: 12},
	{Title: "STATE", Width: 10},
	{Title: "HEALTH", Width: 10},
	{Title: "PID", Width: 8},
	{Title: "PORT", Width: 6},
	{Title: "UPTIME", Width: 10},
}

// New constructs the model.
func New(ctrl Controller) *Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithWidth(80),
	)
	return &Model{
		controller: ctrl,
		table:      t,
		statusMsg:  "Connecting…",
		loading:    true,
	}
}

// Run starts the program and blocks until the user quits.
func Run(ctrl Controller) error {
	prog := tea.NewProgram(New(ctrl), tea.WithAltScreen())
	_, err := prog.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(refreshCmd(m.controller), tickCmd())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(msg.Width)
		if m.height > 6 {
			m.table.SetHeight(m.height - 6)
		}

	case tickMsg:
		return m, tea.Batch(refreshCmd(m.controller), tickCmd())

	case refreshedMsg:
		m.loading = false
		m.err = nil
		m.health = msg.health
		m.processes = msg.processes
		m.table.SetRows(rows(msg.processes, time.Now()))
		m.lastUpdated = time.Now()
		m.statusMsg = summary(msg.health)

	case actionMsg:
		m.statusMsg = msg.message
		return m, refreshCmd(m.controller)

	case errMsg:
		m.loading = false
		m.err = msg.err

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, refreshCmd(m.controller)
		case "s":
			m.statusMsg = "Starting backend…"
			return m, actionCmd(m.controller.Start)
		case "x":
			m.statusMsg = "Stopping backend…"
			return m, actionCmd(m.controller.Stop)
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) View() string {
	var b strings.Builder

	statusStyle := lipgloss.NewStyle().Bold(true)
	switch m.health.Report.Status {
	case supervisor.HealthRunning:
		statusStyle = statusStyle.Foreground(lipgloss.Color("42"))
	case supervisor.HealthStarting, supervisor.HealthStopping:
		statusStyle = statusStyle.Foreground(lipgloss.Color("214"))
	default:
		statusStyle = statusStyle.Foreground(lipgloss.Color("203"))
	}
	b.WriteString(statusStyle.Render(m.statusMsg))
	b.WriteByte('\n')

	if m.err != nil {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
		b.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteByte('\n')
	}

	if len(m.processes) == 0 && !m.loading {
		b.WriteString("No processes running.\n")
	} else {
		b.WriteString(m.table.View())
		b.WriteByte('\n')
	}

	help := "q quit • r refresh • s start • x stop"
	if !m.lastUpdated.IsZero() {
		help += fmt.Sprintf(" • updated %s", m.lastUpdated.Format(time.Kitchen))
	}
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	b.WriteString(helpStyle.Render(help))

	return b.String()
}

func summary(h api.HealthResponse) string {
	r := h.Report
	switch {
	case h.Error != "":
		return fmt.Sprintf("Backend %s: %s", r.Status, h.Error)
	case h.Message != "":
		return fmt.Sprintf("%s (%d processes)", h.Message, r.Processes)
	default:
		return fmt.Sprintf("Backend %s", r.Status)
	}
}

func rows(procs []supervisor.ProcessStatus, now time.Time) []table.Row {
	out := make([]table.Row, 0, len(procs))
	for _, p := range procs {
		state := "running"
		uptime := "-"
		if p.Running {
			uptime = now.Sub(p.StartedAt).Truncate(time.Second).String()
		} else {
			state = fmt.Sprintf("exited(%d)", p.ExitCode)
		}
		port := "-"
		if p.Port > 0 {
			port = strconv.Itoa(p.Port)
		}
		h := string(p.Health)
		if h == "" {
			h = "-"
		}
		out = append(out, table.Row{p.Name, p.Group, state, h, strconv.Itoa(p.PID), port, uptime})
	}
	return out
}

type tickMsg time.Time

type refreshedMsg struct {
	health    api.HealthResponse
	processes []supervisor.ProcessStatus
}

type actionMsg struct{ message string }

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func refreshCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		h, err := ctrl.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		procs, err := ctrl.Processes(ctx)
		if err != nil {
			return errMsg{err}
		}
		return refreshedMsg{health: h, processes: procs}
	}
}

func actionCmd(fn func(context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		msg, err := fn(ctx)
		if err != nil {
			return errMsg{err}
		}
		return actionMsg{message: msg}
	}
}
