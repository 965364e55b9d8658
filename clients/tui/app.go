package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dohr-michael/mal/internal/downloads"
	ws "github.com/dohr-michael/mal/internal/gateway/ws"
	"github.com/dohr-michael/mal/internal/tasks"
)

// Conn is the gateway connection the dashboard reads from and sends to.
type Conn interface {
	ReadFrame() (ws.Frame, error)
	Request(method ws.Method, params any) (string, error)
}

// App is the dashboard model.
// Layout: TITLE | TASKS | ENVIRONMENTS | STATUS BAR
type App struct {
	conn  Conn
	board *Board

	spinner spinner.Model
	bar     progress.Model

	cursor    int
	width     int
	notice    string
	connErr   error
	connected bool
	quitting  bool
}

// NewApp creates the dashboard over conn.
func NewApp(conn Conn) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorRunning)

	return &App{
		conn:      conn,
		board:     NewBoard(),
		spinner:   s,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(24), progress.WithoutPercentage()),
		connected: true,
	}
}

// listen reads frames until one maps to a dashboard message.
func listen(conn Conn) tea.Cmd {
	return func() tea.Msg {
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				return DisconnectedMsg{Err: err}
			}
			if msg := Project(f); msg != nil {
				return msg
			}
		}
	}
}

// Init starts the stream reader and the spinner.
func (a *App) Init() tea.Cmd {
	return tea.Batch(listen(a.conn), a.spinner.Tick)
}

// Update handles messages and updates state.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case SnapshotMsg, TaskMsg, TaskDismissedMsg, EnvironmentsMsg:
		a.board.Apply(msg)
		a.clampCursor()
		return a, listen(a.conn)

	case ResponseMsg:
		if !msg.OK {
			a.notice = msg.Error
		}
		return a, listen(a.conn)

	case DisconnectedMsg:
		a.connected = false
		a.connErr = msg.Err
		return a, nil
	}

	var cmd tea.Cmd
	a.spinner, cmd = a.spinner.Update(msg)
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		a.quitting = true
		return a, tea.Quit
	case "up", "k":
		if a.cursor > 0 {
			a.cursor--
		}
	case "down", "j":
		a.cursor++
		a.clampCursor()
	case "c":
		a.request(ws.MethodCancelTask, func(t tasks.Task) bool { return !t.Status.Terminal() })
	case "d":
		a.request(ws.MethodDismissTask, func(t tasks.Task) bool { return t.Status.Terminal() })
	case "s":
		a.request(ws.MethodStopEnvironment, func(t tasks.Task) bool {
			return t.Kind == tasks.KindEnvironmentRun && !t.Status.Terminal()
		})
	}
	return a, nil
}

// request sends method for the selected task when allowed accepts it.
func (a *App) request(method ws.Method, allowed func(tasks.Task) bool) {
	t, ok := a.selected()
	if !ok || !a.connected {
		return
	}
	if !allowed(t) {
		a.notice = fmt.Sprintf("%s not applicable to %s task %s", method, t.Status, shortID(t.ID))
		return
	}
	a.notice = ""
	if _, err := a.conn.Request(method, ws.TaskParams{TaskID: t.ID}); err != nil {
		a.notice = err.Error()
	}
}

func (a *App) selected() (tasks.Task, bool) {
	list := a.board.Tasks()
	if a.cursor < 0 || a.cursor >= len(list) {
		return tasks.Task{}, false
	}
	return list[a.cursor], true
}

func (a *App) clampCursor() {
	n := len(a.board.Tasks())
	if a.cursor >= n {
		a.cursor = n - 1
	}
	if a.cursor < 0 {
		a.cursor = 0
	}
}

// View renders the dashboard.
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("MAL") + MutedStyle.Render("  model asset loader") + "\n")

	b.WriteString(SectionStyle.Render("TASKS") + "\n")
	list := a.board.Tasks()
	if len(list) == 0 {
		b.WriteString(MutedStyle.Render("  no tasks") + "\n")
	}
	for i, t := range list {
		b.WriteString(a.taskLine(t, i == a.cursor) + "\n")
	}

	b.WriteString(SectionStyle.Render("ENVIRONMENTS") + "\n")
	envs := a.board.Environments()
	if len(envs) == 0 {
		b.WriteString(MutedStyle.Render("  waiting for status") + "\n")
	}
	for _, e := range envs {
		state := MutedStyle.Render("not installed")
		switch {
		case e.IsRunning:
			state = lipgloss.NewStyle().Foreground(ColorRunning).Render("running " + shortID(e.RunningTaskID))
		case e.IsInstalled:
			state = lipgloss.NewStyle().Foreground(ColorOK).Render("installed")
		}
		fmt.Fprintf(&b, "  %-14s %-22s %s\n", e.Name, state, MutedStyle.Render(e.InstallPath))
	}

	if a.notice != "" {
		b.WriteString("\n" + ErrorStyle.Render(a.notice) + "\n")
	}
	b.WriteString("\n" + a.statusBar())
	return b.String()
}

func (a *App) taskLine(t tasks.Task, selected bool) string {
	marker := "  "
	if selected {
		marker = SelectedStyle.Render("> ")
	}

	detail := ""
	switch {
	case t.Status == tasks.StatusFailed:
		detail = ErrorStyle.Render(t.Error)
	case t.Progress != nil && t.Progress.BytesTotal > 0:
		detail = a.bar.ViewAs(float64(t.Progress.Percentage)/100) + " " + MutedStyle.Render(
			fmt.Sprintf("%s / %s", downloads.FormatSize(t.Progress.BytesDone), downloads.FormatSize(t.Progress.BytesTotal)))
	case t.Progress != nil && t.Progress.Stage != "":
		detail = t.Progress.Stage
		if !t.Status.Terminal() {
			detail = a.spinner.View() + " " + detail
		}
	}

	return fmt.Sprintf("%s%s %s %-20s %-32s %s",
		marker,
		MutedStyle.Render(shortID(t.ID)),
		statusStyle(t.Status).Render(string(t.Status)),
		t.Kind,
		truncate(t.Subject, 32),
		detail,
	)
}

func (a *App) statusBar() string {
	conn := "connected"
	if !a.connected {
		conn = "disconnected"
		if a.connErr != nil {
			conn += ": " + a.connErr.Error()
		}
	}
	text := fmt.Sprintf("%s · %d tasks · ↑/↓ select · c cancel · s stop · d dismiss · q quit",
		conn, len(a.board.Tasks()))
	style := StatusBarStyle
	if a.width > 0 {
		style = style.Width(a.width)
	}
	return style.Render(text)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
