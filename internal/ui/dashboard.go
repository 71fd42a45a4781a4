package ui

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harshul/devsup/internal/process"
	"github.com/harshul/devsup/internal/state"
	"github.com/harshul/devsup/internal/supervisor"
	"github.com/harshul/devsup/internal/thermal"
)

// Controller is what the dashboard drives. *supervisor.Supervisor satisfies it.
type Controller interface {
	Start(ctx context.Context, path, explicitCommand string) (supervisor.StartResult, error)
	Stop(ctx context.Context, path string) error
	ClearCrashHistory(path string)
	Usage(path string) (process.Usage, error)
}

const projectLogLines = 1000

// Project represents a project in the dashboard
type Project struct {
	Name string
	Path string
	// Command is passed to Start as the explicit command; empty resolves.
	Command  string
	State    state.DevServerState
	Usage    process.Usage
	Crashes  int
	LastExit *supervisor.ExitInfo
	// Since is when State.Status was entered.
	Since time.Time

	logs *process.Backlog
}

// NewProject creates a stopped project row for path.
func NewProject(name, path, command string) *Project {
	if name == "" {
		name = filepath.Base(path)
	}
	return &Project{
		Name:    name,
		Path:    supervisor.Key(path),
		Command: command,
		State:   state.New(),
		logs:    process.NewBacklog(projectLogLines),
	}
}

// Logs returns the buffered output.
func (p *Project) Logs() []process.Line {
	return p.logs.All()
}

// URL is the detected URL or "".
func (p *Project) URL() string {
	return p.State.URLString()
}

// apply folds one supervisor event into the row and reports whether the
// log buffer changed.
func (p *Project) apply(e supervisor.Event) bool {
	switch e.Type {
	case supervisor.EventState:
		if e.State == nil {
			return false
		}
		if e.State.Status != p.State.Status {
			p.Since = e.Time
		}
		p.State = *e.State
		if p.State.PID == nil {
			p.Usage = process.Usage{}
		}
	case supervisor.EventOutput:
		if e.Line != nil {
			p.logs.Append(*e.Line)
			return true
		}
	case supervisor.EventExit:
		if e.Exit != nil {
			exit := *e.Exit
			p.LastExit = &exit
			if !exit.Expected {
				p.Crashes = exit.CrashCount
			}
		}
	case supervisor.EventCrashCleared:
		p.Crashes = 0
	}
	return false
}

// DashboardModel is the main bubbletea model for the TUI dashboard
type DashboardModel struct {
	ctrl     Controller
	events   <-chan supervisor.Event
	projects []*Project
	byPath   map[string]int

	selected int
	focused  bool
	compact  bool
	showHelp bool
	quitting bool
	notice   string

	resources ResourceStats

	startLimit int
	coolDown   time.Duration

	width    int
	height   int
	viewport viewport.Model

	keys   keyMap
	styles *Styles
}

// keyMap defines the key bindings for the dashboard
type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Enter      key.Binding
	Escape     key.Binding
	Toggle     key.Binding
	Restart    key.Binding
	Clear      key.Binding
	OpenURL    key.Binding
	ToggleMode key.Binding
	Help       key.Binding
	Quit       key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:       key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Enter:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "logs")),
		Escape:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		Toggle:     key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start/stop")),
		Restart:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "restart")),
		Clear:      key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear crashes")),
		OpenURL:    key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "open")),
		ToggleMode: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "view")),
		Help:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// Messages for bubbletea
type (
	tickMsg           time.Time
	resourceUpdateMsg ResourceStats
	eventMsg          supervisor.Event
	eventsClosedMsg   struct{}
	usageMsg          struct {
		path  string
		usage process.Usage
	}
	actionMsg struct {
		path   string
		action string
		err    error
	}
	startAllMsg map[string]error
)

// NewDashboard creates a dashboard over projects. events is normally a
// supervisor subscription for every path.
func NewDashboard(ctrl Controller, events <-chan supervisor.Event, projects []*Project) *DashboardModel {
	vp := viewport.New(80, 20)
	vp.MouseWheelEnabled = true

	byPath := make(map[string]int, len(projects))
	for i, p := range projects {
		byPath[p.Path] = i
	}
	return &DashboardModel{
		ctrl:     ctrl,
		events:   events,
		projects: projects,
		byPath:   byPath,
		compact:  true,
		viewport: vp,
		keys:     defaultKeyMap(),
		styles:   DefaultStyles(),

		startLimit: len(projects),
		coolDown:   thermal.DefaultCoolDown,
	}
}

// SetStartPacing bounds how many projects Init starts at once.
func (m *DashboardModel) SetStartPacing(limit int, coolDown time.Duration) {
	m.startLimit = limit
	m.coolDown = coolDown
}

// Init starts every project and begins listening for events.
func (m *DashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.waitForEvent(), m.startAllCmd())
}

func (m *DashboardModel) startAllCmd() tea.Cmd {
	if len(m.projects) == 0 {
		return nil
	}
	paths := make([]string, 0, len(m.projects))
	commands := make(map[string]string, len(m.projects))
	for _, p := range m.projects {
		paths = append(paths, p.Path)
		commands[p.Path] = p.Command
	}
	limit, coolDown := m.startLimit, m.coolDown
	return func() tea.Msg {
		return startAllMsg(thermal.Pace(context.Background(), paths, limit, coolDown, func(ctx context.Context, path string) error {
			_, err := m.ctrl.Start(ctx, path, commands[path])
			return err
		}))
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *DashboardModel) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

func (m *DashboardModel) startCmd(p *Project) tea.Cmd {
	path, command := p.Path, p.Command
	return func() tea.Msg {
		_, err := m.ctrl.Start(context.Background(), path, command)
		return actionMsg{path: path, action: "start", err: err}
	}
}

func (m *DashboardModel) stopCmd(p *Project) tea.Cmd {
	path := p.Path
	return func() tea.Msg {
		return actionMsg{path: path, action: "stop", err: m.ctrl.Stop(context.Background(), path)}
	}
}

func (m *DashboardModel) restartCmd(p *Project) tea.Cmd {
	path, command := p.Path, p.Command
	return func() tea.Msg {
		if err := m.ctrl.Stop(context.Background(), path); err != nil {
			return actionMsg{path: path, action: "restart", err: err}
		}
		_, err := m.ctrl.Start(context.Background(), path, command)
		return actionMsg{path: path, action: "restart", err: err}
	}
}

func (m *DashboardModel) clearCmd(p *Project) tea.Cmd {
	path, command := p.Path, p.Command
	return func() tea.Msg {
		m.ctrl.ClearCrashHistory(path)
		_, err := m.ctrl.Start(context.Background(), path, command)
		return actionMsg{path: path, action: "start", err: err}
	}
}

func (m *DashboardModel) usageCmd(p *Project) tea.Cmd {
	path := p.Path
	return func() tea.Msg {
		u, err := m.ctrl.Usage(path)
		if err != nil {
			return nil
		}
		return usageMsg{path: path, usage: u}
	}
}

func fetchResourceStats() tea.Cmd {
	return func() tea.Msg {
		return resourceUpdateMsg(GetResourceStats())
	}
}

func (m *DashboardModel) current() *Project {
	if m.selected < 0 || m.selected >= len(m.projects) {
		return nil
	}
	return m.projects[m.selected]
}

// Update implements tea.Model
func (m *DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 6
		m.viewport.Height = msg.Height - 10
		if !m.compact && !m.focused {
			m.viewport.Height = msg.Height - 15
		}
		m.updateViewportContent()

	case tickMsg:
		cmds = append(cmds, tickCmd(), fetchResourceStats())
		for _, p := range m.projects {
			if p.State.PID != nil {
				cmds = append(cmds, m.usageCmd(p))
			}
		}

	case resourceUpdateMsg:
		m.resources = ResourceStats(msg)

	case usageMsg:
		if i, ok := m.byPath[msg.path]; ok && m.projects[i].State.PID != nil {
			m.projects[i].Usage = msg.usage
		}

	case eventMsg:
		e := supervisor.Event(msg)
		if i, ok := m.byPath[e.Path]; ok {
			if m.projects[i].apply(e) && (m.compact || (m.focused && i == m.selected)) {
				m.updateViewportContent()
			}
		}
		cmds = append(cmds, m.waitForEvent())

	case eventsClosedMsg:
		// Supervisor shut down underneath us.
		m.quitting = true
		return m, tea.Quit

	case startAllMsg:
		m.notice = ""
		var failed []string
		for _, p := range m.projects {
			if err, ok := msg[p.Path]; ok {
				failed = append(failed, describeError(p.Name, "start", err))
			}
		}
		if len(failed) > 0 {
			m.notice = strings.Join(failed, "\n")
		}

	case actionMsg:
		m.notice = ""
		if msg.err != nil {
			name := msg.path
			if i, ok := m.byPath[msg.path]; ok {
				name = m.projects[i].Name
			}
			m.notice = describeError(name, msg.action, msg.err)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *DashboardModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	p := m.current()
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return tea.Quit

	case key.Matches(msg, m.keys.ToggleMode):
		m.compact = !m.compact
		m.focused = false
		m.updateViewportContent()

	case key.Matches(msg, m.keys.Up):
		if m.focused || m.compact {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return cmd
		}
		if m.selected > 0 {
			m.selected--
		}

	case key.Matches(msg, m.keys.Down):
		if m.focused || m.compact {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return cmd
		}
		if m.selected < len(m.projects)-1 {
			m.selected++
		}

	case key.Matches(msg, m.keys.Enter):
		if !m.compact && p != nil {
			m.focused = !m.focused
			m.updateViewportContent()
		}

	case key.Matches(msg, m.keys.Escape):
		m.focused = false

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp

	case key.Matches(msg, m.keys.OpenURL):
		if p != nil && p.URL() != "" {
			openInBrowser(p.URL())
		}

	case p == nil:
		return nil

	case key.Matches(msg, m.keys.Toggle):
		switch p.State.Status {
		case state.StatusRunning, state.StatusStarting:
			return m.stopCmd(p)
		default:
			return m.startCmd(p)
		}

	case key.Matches(msg, m.keys.Restart):
		return m.restartCmd(p)

	case key.Matches(msg, m.keys.Clear):
		return m.clearCmd(p)
	}
	return nil
}

func describeError(name, action string, err error) string {
	var se *supervisor.Error
	if errors.As(err, &se) {
		return fmt.Sprintf("%s: %s failed [%s] %s", name, action, se.Code, se.Message)
	}
	return fmt.Sprintf("%s: %s failed: %v", name, action, err)
}

// openInBrowser opens a URL in the default browser
func openInBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return
	}
	_ = cmd.Start()
}

// updateViewportContent refreshes the log pane, keeping the scroll position
// unless the user was already at the bottom.
func (m *DashboardModel) updateViewportContent() {
	var lines []string
	switch {
	case m.compact:
		for _, p := range m.projects {
			if p.logs.Len() == 0 {
				continue
			}
			lines = append(lines, m.renderStatusIcon(p.State.Status)+" "+p.Name)
			for _, l := range p.logs.Last(200) {
				lines = append(lines, "  "+m.renderLine(l))
			}
			lines = append(lines, "")
		}
	case m.focused:
		if p := m.current(); p != nil {
			for _, l := range p.Logs() {
				lines = append(lines, m.renderLine(l))
			}
		}
	default:
		return
	}

	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *DashboardModel) renderLine(l process.Line) string {
	text := l.Text
	if m.width > 10 {
		text = truncate(text, m.width-8)
	}
	if l.Stream == process.Stderr {
		return m.styles.LogStderr.Render(text)
	}
	return m.styles.Dim.Render(text)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}

// View implements tea.Model
func (m *DashboardModel) View() string {
	if m.quitting {
		return "Stopping dev servers...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch {
	case m.compact:
		b.WriteString(m.renderCompactView())
	case m.focused:
		b.WriteString(m.renderFocusedView())
	default:
		b.WriteString(m.renderProjectList())
		b.WriteString("\n")
		b.WriteString(m.renderResourceMonitor())
	}

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Notice.Render(m.notice))
	}
	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return m.styles.App.Render(b.String())
}

func (m *DashboardModel) counts() (running, failing int) {
	for _, p := range m.projects {
		switch p.State.Status {
		case state.StatusRunning:
			running++
		case state.StatusError:
			failing++
		}
	}
	return running, failing
}

func (m *DashboardModel) renderHeader() string {
	title := "devsup"
	running, failing := m.counts()
	status := fmt.Sprintf("Projects: %d | Running: %d", len(m.projects), running)
	if failing > 0 {
		status += fmt.Sprintf(" | Failing: %d", failing)
	}
	if m.resources.CPUPercent > 0 {
		status += fmt.Sprintf(" | CPU: %.1f%%", m.resources.CPUPercent)
	}
	if m.resources.MemPercent > 0 {
		status += fmt.Sprintf(" | Mem: %.1f%%", m.resources.MemPercent)
	}
	if m.resources.CPUTemp > 0 {
		status += fmt.Sprintf(" | Temp: %.0f°C", m.resources.CPUTemp)
	}

	headerWidth := max(m.width-4, 40)
	padding := max(headerWidth-lipgloss.Width(title)-lipgloss.Width(status), 1)
	return m.styles.Header.Width(headerWidth).Render(title + strings.Repeat(" ", padding) + status)
}

func (m *DashboardModel) renderProjectList() string {
	listWidth := max(m.width-6, 60)
	items := make([]string, 0, len(m.projects))
	for i, p := range m.projects {
		items = append(items, m.renderProjectItem(i, p, listWidth))
	}
	return m.styles.ProjectList.Width(listWidth).Render(strings.Join(items, "\n"))
}

func (m *DashboardModel) renderProjectItem(index int, p *Project, width int) string {
	style := m.styles.ProjectItem
	if index == m.selected {
		style = m.styles.ProjectSelected
	}

	const maxNameLen = 24
	name := truncate(p.Name, maxNameLen)

	var extra []string
	if p.State.Running() && !p.Since.IsZero() {
		extra = append(extra, time.Since(p.Since).Round(time.Second).String())
	}
	if pid := p.State.PIDValue(); pid > 0 {
		extra = append(extra, fmt.Sprintf("pid %d", pid))
	}
	if p.Usage.RSS > 0 {
		extra = append(extra, fmt.Sprintf("%.0f%% %s", p.Usage.CPUPercent, FormatBytes(p.Usage.RSS)))
	}
	if p.Crashes > 0 {
		extra = append(extra, fmt.Sprintf("crashes %d", p.Crashes))
	}
	if url := p.URL(); url != "" {
		extra = append(extra, m.styles.URL.Render("→ "+url))
	}
	if p.State.Status == state.StatusError && p.State.LastError != nil {
		extra = append(extra, m.styles.StatusError.Render(*p.State.LastError))
	}

	line := fmt.Sprintf("%-*s  %s  %s", maxNameLen, name, m.renderStatus(p.State.Status), strings.Join(extra, "  "))
	return style.Width(width - 2).Render(line)
}

func (m *DashboardModel) statusStyle(s state.Status) (lipgloss.Style, string) {
	switch s {
	case state.StatusRunning:
		return m.styles.StatusRunning, "●"
	case state.StatusStarting:
		return m.styles.StatusStarting, "◌"
	case state.StatusError:
		return m.styles.StatusError, "✗"
	default:
		return m.styles.StatusStopped, "○"
	}
}

func (m *DashboardModel) renderStatusIcon(s state.Status) string {
	style, icon := m.statusStyle(s)
	return style.Render(icon)
}

func (m *DashboardModel) renderStatus(s state.Status) string {
	style, icon := m.statusStyle(s)
	return style.Render(fmt.Sprintf("%s %-8s", icon, s))
}

func (m *DashboardModel) renderResourceMonitor() string {
	parts := []string{
		m.renderProgressBar("CPU", m.resources.CPUPercent/100, 20),
		m.renderProgressBar("Mem", m.resources.MemPercent/100, 20),
	}
	if m.resources.MemoryTotal > 0 {
		parts = append(parts, fmt.Sprintf("%s / %s", FormatBytes(m.resources.MemoryUsed), FormatBytes(m.resources.MemoryTotal)))
	}
	return m.styles.MonitorBox.Render(strings.Join(parts, "  "))
}

func (m *DashboardModel) renderProgressBar(label string, progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	bar := m.styles.ProgressFill.Render(strings.Repeat("█", filled)) +
		m.styles.ProgressEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s [%s] %5.1f%%", label, bar, progress*100)
}

func (m *DashboardModel) renderFocusedView() string {
	p := m.current()
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s  %s", p.Name, m.renderStatus(p.State.Status)))
	if url := p.URL(); url != "" {
		b.WriteString("  " + m.styles.URL.Render(url))
	}
	b.WriteString("\n\n")

	w := max(m.width-6, 60)
	m.viewport.Width = w
	b.WriteString(m.styles.LogViewport.Width(w).Render(m.viewport.View()))
	return b.String()
}

func (m *DashboardModel) renderCompactView() string {
	var b strings.Builder
	for i, p := range m.projects {
		cursor := "  "
		if i == m.selected {
			cursor = m.styles.HelpKey.Render("❯ ")
		}
		b.WriteString(cursor + m.renderStatusIcon(p.State.Status) + " " + p.Name)
		if url := p.URL(); url != "" {
			b.WriteString(": " + m.styles.URL.Render(url))
		} else if p.State.Status == state.StatusError && p.State.ErrorCode != "" {
			b.WriteString(m.styles.StatusError.Render(" [" + p.State.ErrorCode + "]"))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.styles.LogViewportBlurred.Render(m.viewport.View()))
	return b.String()
}

func (m *DashboardModel) helpLine(bindings ...key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, kb := range bindings {
		h := kb.Help()
		parts = append(parts, m.styles.HelpKey.Render(h.Key)+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}

func (m *DashboardModel) renderFooter() string {
	k := m.keys
	var help string
	switch {
	case m.showHelp:
		help = m.helpLine(k.Up, k.Down, k.Enter, k.Escape, k.Toggle, k.Restart, k.Clear, k.OpenURL, k.ToggleMode, k.Quit)
	case m.focused:
		help = m.helpLine(k.Up, k.Down, k.Escape, k.Toggle, k.Restart, k.Quit)
	default:
		help = m.helpLine(k.Toggle, k.Restart, k.OpenURL, k.ToggleMode, k.Help, k.Quit)
	}
	return m.styles.Footer.Width(max(m.width-4, 40)).Render(help)
}
