package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/raciflow/pkg/client"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

const (
	maxEvents      = 20
	viewportHeight = 12
	requestTimeout = 2 * time.Second
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	cellStyle        = lipgloss.NewStyle().Width(8)
	taskColStyle     = lipgloss.NewStyle().Width(24)
	pendingStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	eventTimeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	eventTypeStyle   = lipgloss.NewStyle().Width(24).Bold(true)
	eventOriginStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// daemon is the part of the client the dashboard polls.
type daemon interface {
	Matrix(ctx context.Context, pending bool) (*matrix.Matrix, error)
	Buffer(ctx context.Context) (client.Buffer, error)
	Validate(ctx context.Context) (validation.Result, error)
	Result(ctx context.Context) (client.Pass, error)
	GetEvents(ctx context.Context, opts client.EventsOptions) ([]client.Event, error)
	Flush(ctx context.Context, force bool) (client.FlushOutcome, error)
}

type tickMsg time.Time

type dataMsg struct {
	stored     *matrix.Matrix
	preview    *matrix.Matrix
	buffer     client.Buffer
	validation validation.Result
	pass       *client.Pass
	events     []client.Event
	err        error
}

type flushMsg struct {
	outcome client.FlushOutcome
	err     error
}

type model struct {
	daemon   daemon
	poll     time.Duration
	spinner  spinner.Model
	viewport viewport.Model

	data   dataMsg
	notice string
	err    error
	ready  bool
}

func initialModel(d daemon, poll time.Duration) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		daemon:   d,
		poll:     poll,
		spinner:  s,
		viewport: newViewport(100),
	}
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.daemon),
		tick(m.poll),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "f":
			m.notice = "flushing..."
			return m, flush(m.daemon, false)
		case "F":
			m.notice = "forcing flush..."
			return m, flush(m.daemon, true)
		case "r":
			return m, fetchData(m.daemon)
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.daemon), tick(m.poll))

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.data = msg
			m.updateViewportContent()
		}
		m.ready = true

	case flushMsg:
		switch {
		case msg.err != nil:
			m.notice = errorStyle.Render("flush failed: " + msg.err.Error())
		case msg.outcome.Queued:
			m.notice = infoStyle.Render("flush already running, edits queued")
		case msg.outcome.Flushed:
			m.notice = okStyle.Render(fmt.Sprintf("flushed %d edit(s)", msg.outcome.Applied))
		default:
			m.notice = warnStyle.Render("not flushed: matrix is invalid (F forces)")
		}
		cmds = append(cmds, fetchData(m.daemon))

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
	}

	return m, tea.Batch(cmds...)
}

func (m *model) updateViewportContent() {
	var sb strings.Builder
	for _, e := range m.data.events {
		var typeStr string
		switch {
		case strings.Contains(e.EventType, "failed"):
			typeStr = errorStyle.Render(e.EventType)
		case strings.Contains(e.EventType, "completed") || strings.Contains(e.EventType, "applied"):
			typeStr = okStyle.Render(e.EventType)
		default:
			typeStr = infoStyle.Render(e.EventType)
		}

		subject := e.Subject.Task
		if e.Subject.Role != "" {
			subject += " / " + e.Subject.Role
		}
		if e.Subject.NodeID != "" {
			subject += " " + e.Subject.NodeID
		}
		sb.WriteString(fmt.Sprintf("%s %s %s %s\n",
			eventTimeStyle.Render(e.TsEvent.Format("15:04:05")),
			eventTypeStyle.Render(typeStr),
			eventOriginStyle.Render(e.Source.OriginID),
			subject,
		))
	}
	m.viewport.SetContent(sb.String())
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}

	matrixPane := paneStyle.Render(renderMatrix(m.data.preview, m.data.stored))
	statusPane := paneStyle.Render(m.renderStatus())

	header := headerStyle.Render(fmt.Sprintf("%s Event Stream", m.spinner.View()))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d task(s) • %d pending edit(s)",
			lenMatrix(m.data.preview), len(m.data.buffer.Pending)))
	}
	if m.notice != "" {
		status += "  " + m.notice
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nf flush • F force flush • r refresh • q quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, matrixPane, statusPane, header, m.viewport.View(), footer)
}

// renderMatrix draws the preview matrix, highlighting cells that differ
// from the stored one.
func renderMatrix(preview, stored *matrix.Matrix) string {
	var sb strings.Builder
	sb.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("RACI Matrix") + "\n\n")
	if preview == nil || preview.Len() == 0 {
		sb.WriteString(subtleStyle.Render("Matrix is empty."))
		return sb.String()
	}

	roles := preview.AllRoles()
	sb.WriteString(taskColStyle.Render(""))
	for _, role := range roles {
		sb.WriteString(cellStyle.Render(truncate(role, 7)))
	}
	sb.WriteString("\n")

	for _, task := range preview.Tasks() {
		sb.WriteString(taskColStyle.Render(truncate(task, 23)))
		for _, role := range roles {
			c := preview.Get(task, role)
			text := c.String()
			if text == "" {
				text = "·"
			}
			if stored != nil && stored.Get(task, role) != c {
				sb.WriteString(cellStyle.Inherit(pendingStyle).Render(text))
				continue
			}
			sb.WriteString(cellStyle.Render(text))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m model) renderStatus() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Buffer: %s", m.data.buffer.State))
	if m.data.buffer.Dropped > 0 {
		sb.WriteString(warnStyle.Render(fmt.Sprintf(" (%d dropped)", m.data.buffer.Dropped)))
	}
	sb.WriteString("\n")

	vr := m.data.validation
	if vr.IsValid {
		sb.WriteString(okStyle.Render("Matrix valid"))
	} else {
		sb.WriteString(errorStyle.Render("Matrix invalid"))
	}
	for _, issue := range vr.Errors {
		sb.WriteString("\n  " + errorStyle.Render("✗ ") + issue.Message)
	}
	for _, issue := range vr.Warnings {
		sb.WriteString("\n  " + warnStyle.Render("! ") + issue.Message)
	}
	sb.WriteString("\n")

	if p := m.data.pass; p != nil {
		r := p.Result
		sb.WriteString(fmt.Sprintf("Last %s pass %s: +%d roles, %d assignments, %d chain, %d gateways, -%d removed",
			p.Kind, p.At.Local().Format("15:04:05"),
			r.RolesCreated, r.Assignments, r.ChainNodes, r.GatewaysCreated, r.ElementsRemoved))
		if r.Blocked() {
			sb.WriteString(" " + warnStyle.Render("(blocked)"))
		}
		for _, e := range r.Errors {
			sb.WriteString("\n  " + errorStyle.Render("✗ ") + e)
		}
	} else {
		sb.WriteString(subtleStyle.Render("No reconciliation pass yet."))
	}
	return sb.String()
}

func lenMatrix(m *matrix.Matrix) int {
	if m == nil {
		return 0
	}
	return m.Len()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Commands

func fetchData(d daemon) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var msg dataMsg
		var err error
		if msg.stored, err = d.Matrix(ctx, false); err != nil {
			return dataMsg{err: err}
		}
		if msg.preview, err = d.Matrix(ctx, true); err != nil {
			return dataMsg{err: err}
		}
		if msg.buffer, err = d.Buffer(ctx); err != nil {
			return dataMsg{err: err}
		}
		if msg.validation, err = d.Validate(ctx); err != nil {
			return dataMsg{err: err}
		}
		pass, err := d.Result(ctx)
		switch {
		case err == nil:
			msg.pass = &pass
		case !errors.Is(err, client.ErrNoPass):
			return dataMsg{err: err}
		}
		// The event log is optional on the daemon side.
		msg.events, _ = d.GetEvents(ctx, client.EventsOptions{Limit: maxEvents})
		return msg
	}
}

func flush(d daemon, force bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		out, err := d.Flush(ctx, force)
		return flushMsg{outcome: out, err: err}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
