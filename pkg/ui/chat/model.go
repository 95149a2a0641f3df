package chat

import (
	"context"
	"fmt"
	"strings"

	"newtonchat/pkg/message"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const wheelLines = 3

type sendResultMsg struct {
	lines []Line
	err   error
}

type model struct {
	ctx     context.Context
	send    SendFunc
	session Session

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	lines     []Line
	width     int
	height    int
	isReady   bool
	isLoading bool
	lastErr   string
	followLog bool
}

func newModel(ctx context.Context, send SendFunc, session Session) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type a message or a !command..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		send:      send,
		session:   session,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		lines:     append([]Line(nil), session.History...),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			if m.isLoading {
				return m, nil
			}

			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if isExitCommand(text) {
				return m, tea.Quit
			}

			m.lastErr = ""
			m.lines = append(m.lines, Line{Kind: message.TypeUser, Text: text})
			m.input.SetValue("")
			m.isLoading = true
			m.followLog = true
			m.refreshViewport(true)
			return m, tea.Batch(m.spinner.Tick, sendCmd(m.ctx, m.send, text))
		}
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case sendResultMsg:
		m.isLoading = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.lines = append(m.lines, Line{Kind: message.TypeError, Text: typed.err.Error()})
		} else {
			m.lastErr = ""
			m.lines = append(m.lines, typed.lines...)
		}
		m.refreshViewport(false)
		return m, nil
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 Newton Chat")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"instance:%s · mode:%s · turns:%d",
		displayOrNA(m.session.Instance),
		displayOrNA(m.session.Mode),
		conversationTurns(m.lines),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ waiting for the bot...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👨🏻 You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.lines))
	for _, item := range m.lines {
		if card := m.renderLine(item); card != "" {
			sections = append(sections, card)
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderLine(item Line) string {
	text := strings.TrimSpace(item.Text)
	if text == "" {
		return ""
	}

	switch item.Kind {
	case message.TypeUser:
		return m.renderCard(
			m.theme.userTitle.Render("▛▚ [ 👨🏻 ] ▞▜"),
			m.theme.userBox.Width(m.viewport.Width).Render(text),
		)
	case message.TypeOptions:
		return m.renderCard(
			m.theme.menuTitle.Render("▛▚ [MENU] ▞▜"),
			m.theme.menuBox.Width(m.viewport.Width).Render(text+"\n\n"+m.theme.hint.Render("answer with one of the options")),
		)
	case message.TypeError:
		return m.renderCard(
			m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
			m.theme.errorBox.Width(m.viewport.Width).Render(text),
		)
	default:
		return m.renderCard(
			m.theme.botTitle.Render("▛▚ [ 🍎 ] ▞▜"),
			m.theme.botBox.Width(m.viewport.Width).Render(text),
		)
	}
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(wheelLines)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(wheelLines)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func sendCmd(ctx context.Context, send SendFunc, text string) tea.Cmd {
	return func() tea.Msg {
		lines, err := send(ctx, text)
		return sendResultMsg{lines: lines, err: err}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func conversationTurns(lines []Line) int {
	count := 0
	for _, item := range lines {
		if item.Kind == message.TypeUser {
			count++
		}
	}

	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
