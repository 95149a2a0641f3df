/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"newtonchat/pkg/channel"
	"newtonchat/pkg/comm"
	"newtonchat/pkg/message"
	chatui "newtonchat/pkg/ui/chat"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const chatChannelName = "cli"

var (
	promptText   string
	chatInstance string
	plainChat    bool
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a message or start an interactive chat",
	Long:  "Loads the configuration, starts the kernel and talks to one chat instance, either once, in the terminal UI or as a line REPL.",
	Run: func(cmd *cobra.Command, args []string) {
		prompt := resolvePrompt(args)

		cfg, err := loadSettings()
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		log := slog.Default().With("component", "cmd.chat")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		kernel, err := startKernel(ctx, cfg, log)
		if err != nil {
			fmt.Printf("failed to start kernel: %v\n", err)
			return
		}
		defer kernel.Close()

		if prompt != "" {
			if err := runSinglePrompt(ctx, kernel, chatInstance, prompt, os.Stdout); err != nil {
				fmt.Printf("prompt failed: %v\n", err)
			}
			return
		}

		if !plainChat && isTerminal(os.Stdin) && isTerminal(os.Stdout) {
			if err := runTerminalUI(ctx, kernel, chatInstance); err != nil {
				fmt.Printf("chat failed: %v\n", err)
			}
			return
		}

		if err := runInteractive(ctx, kernel, chatInstance, os.Stdin, os.Stdout); err != nil {
			fmt.Printf("chat failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "message text to send")
	chatCmd.Flags().StringVarP(&chatInstance, "instance", "i", comm.BaseInstance, "chat instance to talk to")
	chatCmd.Flags().BoolVar(&plainChat, "plain", false, "use the line prompt instead of the terminal UI")
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func runSinglePrompt(ctx context.Context, kernel channel.Kernel, instance string, prompt string, out io.Writer) error {
	replies, err := sendText(ctx, kernel, instance, prompt)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		fmt.Fprintln(out, reply)
	}
	return nil
}

func runInteractive(ctx context.Context, kernel channel.Kernel, instance string, in io.Reader, out io.Writer) error {
	opening, err := openingMessage(ctx, kernel, instance)
	if err != nil {
		return err
	}
	printBotMessage(out, opening)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "👨🏻 ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("input error: %w", err)
			}
			return nil
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return nil
		}

		replies, err := sendText(ctx, kernel, instance, prompt)
		if err != nil {
			return err
		}
		for _, reply := range replies {
			printBotMessage(out, reply)
		}
	}
}

func runTerminalUI(ctx context.Context, kernel channel.Kernel, instance string) error {
	info, err := refreshInstance(ctx, kernel, instance)
	if err != nil {
		return err
	}

	session := chatui.Session{Instance: instance}
	if info != nil {
		session.Mode = info.Mode
		for _, m := range info.History {
			session.History = append(session.History, chatui.Line{Kind: m.Type, Text: message.PlainText(m)})
		}
	}

	send := func(ctx context.Context, text string) ([]chatui.Line, error) {
		return exchange(ctx, kernel, instance, text)
	}
	return chatui.RunInteractive(ctx, send, session)
}

// openingMessage returns the latest bot message of the instance history.
func openingMessage(ctx context.Context, kernel channel.Kernel, instance string) (string, error) {
	info, err := refreshInstance(ctx, kernel, instance)
	if err != nil || info == nil {
		return "", err
	}
	for i := len(info.History) - 1; i >= 0; i-- {
		if m := info.History[i]; m.Type != message.TypeUser {
			return message.PlainText(m), nil
		}
	}
	return "", nil
}

func refreshInstance(ctx context.Context, kernel channel.Kernel, instance string) (*comm.InstanceInfo, error) {
	events, err := kernel.Do(ctx, chatChannelName, comm.Request{Instance: instance, Operation: comm.OpRefresh})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Operation == comm.OpError {
			return nil, errors.New(e.Error)
		}
		if e.Instance == instance && e.Info != nil {
			return e.Info, nil
		}
	}
	return nil, nil
}

// sendText sends one user message and returns the texts of the bot replies
// and errors it caused.
func sendText(ctx context.Context, kernel channel.Kernel, instance string, text string) ([]string, error) {
	lines, err := exchange(ctx, kernel, instance, text)
	if err != nil {
		return nil, err
	}

	replies := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Kind == message.TypeError {
			replies = append(replies, "error: "+line.Text)
			continue
		}
		replies = append(replies, line.Text)
	}
	return replies, nil
}

// exchange sends one user message and collects the replies and errors it
// caused, tagged with their message type.
func exchange(ctx context.Context, kernel channel.Kernel, instance string, text string) ([]chatui.Line, error) {
	m := message.Create(text, message.TypeUser, message.InConversationContext(true))
	m.KernelProcess = message.ProcessProcess
	req, err := comm.MessageRequest(instance, m)
	if err != nil {
		return nil, err
	}
	events, err := kernel.Do(ctx, chatChannelName, req)
	if err != nil {
		return nil, err
	}

	var lines []chatui.Line
	for _, e := range events {
		switch {
		case e.Operation == comm.OpError:
			lines = append(lines, chatui.Line{Kind: message.TypeError, Text: e.Error})
		case e.Operation == comm.OpReply && e.Instance == instance && e.Message != nil && e.Message.Type != message.TypeUser:
			if text := message.PlainText(e.Message); text != "" {
				lines = append(lines, chatui.Line{Kind: e.Message.Type, Text: text})
			}
		}
	}
	return lines, nil
}

func printBotMessage(out io.Writer, text string) {
	lines := botLines(text)
	for _, line := range lines {
		fmt.Fprintf(out, "🍎 %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func botLines(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
