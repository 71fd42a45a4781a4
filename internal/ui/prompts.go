package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	promptTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorHighlight)
	promptSelectedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	promptOptionStyle   = lipgloss.NewStyle().Foreground(colorSubtle)
	promptCursorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorHighlight)
	promptCommandStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	promptDimStyle      = lipgloss.NewStyle().Foreground(colorDim)
)

// Decision is the outcome of a CommandPrompt.
type Decision int

const (
	DecisionCancel Decision = iota
	DecisionAccept
	DecisionEdit
)

var commandChoices = []struct {
	label    string
	decision Decision
}{
	{"Use it", DecisionAccept},
	{"Edit", DecisionEdit},
	{"Cancel", DecisionCancel},
}

// CommandPrompt asks the user to confirm an inferred dev command, or to
// type a different one.
type CommandPrompt struct {
	command    string
	confidence string
	reasons    []string

	cursor  int
	editing bool
	input   textinput.Model

	decision Decision
	done     bool
}

// NewCommandPrompt shows command with the resolver's confidence and reasons.
func NewCommandPrompt(command, confidence string, reasons []string) CommandPrompt {
	ti := textinput.New()
	ti.Placeholder = "npm run dev"
	ti.CharLimit = 256
	ti.Width = 50
	ti.SetValue(command)

	return CommandPrompt{
		command:    command,
		confidence: confidence,
		reasons:    reasons,
		input:      ti,
	}
}

func (m CommandPrompt) Init() tea.Cmd {
	return nil
}

func (m CommandPrompt) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if m.editing {
		if ok {
			switch keyMsg.String() {
			case "enter":
				m.command = strings.TrimSpace(m.input.Value())
				m.decision = DecisionEdit
				if m.command == "" {
					m.decision = DecisionCancel
				}
				m.done = true
				return m, tea.Quit
			case "esc":
				m.editing = false
				m.input.Blur()
				return m, nil
			case "ctrl+c":
				m.decision = DecisionCancel
				m.done = true
				return m, tea.Quit
			}
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	if !ok {
		return m, nil
	}
	switch keyMsg.String() {
	case "left", "h", "shift+tab":
		if m.cursor > 0 {
			m.cursor--
		}
	case "right", "l", "tab":
		if m.cursor < len(commandChoices)-1 {
			m.cursor++
		}
	case "y":
		m.decision, m.done = DecisionAccept, true
		return m, tea.Quit
	case "e":
		m.editing = true
		return m, m.input.Focus()
	case "enter":
		if commandChoices[m.cursor].decision == DecisionEdit {
			m.editing = true
			return m, m.input.Focus()
		}
		m.decision, m.done = commandChoices[m.cursor].decision, true
		return m, tea.Quit
	case "ctrl+c", "esc", "q", "n":
		m.decision, m.done = DecisionCancel, true
		return m, tea.Quit
	}
	return m, nil
}

func (m CommandPrompt) View() string {
	var b strings.Builder

	b.WriteString(promptTitleStyle.Render("? Start the dev server with this command?") + "\n")
	b.WriteString("  " + promptCommandStyle.Render(m.command))
	if m.confidence != "" {
		b.WriteString(promptDimStyle.Render(fmt.Sprintf("  (%s confidence)", m.confidence)))
	}
	b.WriteString("\n")
	for _, r := range m.reasons {
		b.WriteString(promptDimStyle.Render("    · "+r) + "\n")
	}
	b.WriteString("\n")

	if m.editing {
		b.WriteString("  " + m.input.View() + "\n\n")
		b.WriteString(promptDimStyle.Render("  enter to save • esc to go back"))
		return b.String()
	}

	for i, c := range commandChoices {
		cursor, style := "  ", promptOptionStyle
		if i == m.cursor {
			cursor, style = promptCursorStyle.Render("❯ "), promptSelectedStyle
		}
		b.WriteString(cursor + style.Render(c.label) + "   ")
	}
	b.WriteString("\n\n")
	b.WriteString(promptDimStyle.Render("  ← → to select • enter to confirm • e to edit • esc to cancel"))
	return b.String()
}

// Result returns the decision and the command to use.
func (m CommandPrompt) Result() (Decision, string) {
	if !m.done {
		return DecisionCancel, ""
	}
	return m.decision, m.command
}

// RunCommandPrompt runs the prompt and returns the chosen command, or ""
// when the user cancelled.
func RunCommandPrompt(command, confidence string, reasons []string) (string, error) {
	model, err := tea.NewProgram(NewCommandPrompt(command, confidence, reasons)).Run()
	if err != nil {
		return "", err
	}
	decision, cmd := model.(CommandPrompt).Result()
	if decision == DecisionCancel {
		return "", nil
	}
	return cmd, nil
}

// PrintHeader prints a styled header
func PrintHeader(text string) {
	fmt.Println(promptTitleStyle.MarginBottom(1).Render("  " + text))
}

// PrintSuccess prints a success message with checkmark
func PrintSuccess(text string) {
	fmt.Println(lipgloss.NewStyle().Foreground(colorSuccess).Render("✔") + " " + text)
}

// PrintWarning prints a warning message
func PrintWarning(text string) {
	fmt.Println(lipgloss.NewStyle().Foreground(colorWarning).Render("⚠") + " " + text)
}

// PrintError prints an error message
func PrintError(text string) {
	fmt.Println(lipgloss.NewStyle().Foreground(colorError).Render("✖") + " " + text)
}

// PrintInfo prints an info message
func PrintInfo(text string) {
	fmt.Println(lipgloss.NewStyle().Foreground(colorInfo).Render("ℹ") + " " + text)
}

// PrintHighlight prints a label and a bold value
func PrintHighlight(label, value string) {
	labelStyle := lipgloss.NewStyle().Foreground(colorSubtle)
	valueStyle := lipgloss.NewStyle().Bold(true).Foreground(colorText)
	fmt.Println("  " + labelStyle.Render(label+":") + " " + valueStyle.Render(value))
}

// PrintList prints indented dimmed items.
func PrintList(items []string) {
	for _, it := range items {
		fmt.Println(promptDimStyle.Render("    · " + it))
	}
}

// PrintDivider prints a styled divider
func PrintDivider() {
	fmt.Println(lipgloss.NewStyle().Foreground(colorBorder).Render("  " + strings.Repeat("─", 50)))
}
