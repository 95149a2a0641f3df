package chat

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Line is one transcript entry. Kind is a message type such as user, bot,
// options or error.
type Line struct {
	Kind string
	Text string
}

// SendFunc delivers one user message to the instance and returns the lines
// the kernel answered with.
type SendFunc func(ctx context.Context, text string) ([]Line, error)

// Session describes the chat instance the terminal UI is attached to.
type Session struct {
	Instance string
	Mode     string
	History  []Line
}

func RunInteractive(ctx context.Context, send SendFunc, session Session) error {
	model := newModel(ctx, send, session)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("22")).
		Padding(1, 2)

	return style.Render("🍎 Thanks for chatting with Newton")
}
