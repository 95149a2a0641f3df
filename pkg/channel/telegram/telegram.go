package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"newtonchat/pkg/channel"
	"newtonchat/pkg/comm"
	"newtonchat/pkg/config"
	"newtonchat/pkg/message"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

// Adapter bridges Telegram chats into chat instances. Each chat owns the
// instance telegram:<chat id>.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	// Instances already attached in this process. Only the Run loop touches it.
	attached map[string]struct{}
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
		attached:  make(map[string]struct{}),
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and forwards messages to the chat instances.
func (a *Adapter) Run(ctx context.Context, kernel channel.Kernel) error {
	if kernel == nil {
		return errors.New("kernel is required")
	}

	var opts []telego.BotOption
	if proxy := strings.TrimSpace(a.cfg.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return fmt.Errorf("parse telegram proxy: %w", err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}))
	}
	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token), opts...)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "mode", a.cfg.Mode)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			msg := update.Message
			if msg == nil {
				continue
			}

			content := strings.TrimSpace(msg.Text)
			if content == "" {
				// Instances only take text.
				continue
			}
			if msg.From == nil {
				a.log.Debug("Ignoring message without sender")
				continue
			}

			senderID := strconv.FormatInt(msg.From.ID, 10)
			if !a.senderAllowed(senderID) {
				a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}

			chatID := strconv.FormatInt(msg.Chat.ID, 10)
			a.log.Info("Received message", "chat_id", chatID, "sender_id", senderID, "content", previewText(content))

			stopTyping := a.startTypingIndicator(ctx, bot, msg.Chat.ID)
			replies, err := a.handleText(ctx, kernel, chatID, content)
			stopTyping()
			if err != nil {
				a.log.Error("Failed to process inbound message", "chat_id", chatID, "error", err)
				replies = []string{err.Error()}
			}

			for _, reply := range replies {
				a.log.Info("Sending message", "chat_id", chatID, "content", previewText(reply))
				if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(msg.Chat.ID), reply)); err != nil {
					a.log.Error("Failed to send telegram message", "error", err)
				}
			}
		}
	}
}

// handleText delivers one chat message to the chat's instance and returns
// the texts to send back.
func (a *Adapter) handleText(ctx context.Context, kernel channel.Kernel, chatID string, text string) ([]string, error) {
	name := instanceName(chatID)

	var replies []string
	if _, ok := a.attached[name]; !ok {
		opening, err := a.attach(ctx, kernel, name)
		if err != nil {
			return nil, err
		}
		replies = append(replies, opening...)
	}

	m := message.Create(text, message.TypeUser, message.InConversationContext(true))
	m.KernelProcess = message.ProcessProcess
	req, err := comm.MessageRequest(name, m)
	if err != nil {
		return nil, err
	}
	events, err := kernel.Do(ctx, channelName, req)
	if err != nil {
		return nil, err
	}
	return append(replies, replyTexts(name, events)...), nil
}

// attach makes sure the instance exists, creating it in the configured mode
// on first contact. Opening replies of a new instance are returned.
func (a *Adapter) attach(ctx context.Context, kernel channel.Kernel, name string) ([]string, error) {
	events, err := kernel.Do(ctx, channelName, comm.Request{Instance: name, Operation: comm.OpRefresh})
	if err != nil {
		return nil, err
	}
	if len(events) > 0 && events[0].Operation != comm.OpError {
		a.attached[name] = struct{}{}
		return nil, nil
	}

	req, err := comm.NewInstanceRequest(name, a.cfg.Mode, nil)
	if err != nil {
		return nil, err
	}
	events, err = kernel.Do(ctx, channelName, req)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Operation == comm.OpError {
			return nil, fmt.Errorf("create instance %s: %s", name, e.Error)
		}
	}

	a.attached[name] = struct{}{}
	a.log.Info("Chat instance created", "instance", name, "mode", a.cfg.Mode)
	return replyTexts(name, events), nil
}

// replyTexts extracts the bot messages addressed to instance, as plain text.
func replyTexts(instance string, events []comm.Event) []string {
	var texts []string
	for _, e := range events {
		if e.Instance != instance && !(e.Operation == comm.OpError && e.Instance == comm.BaseInstance) {
			continue
		}
		switch e.Operation {
		case comm.OpReply:
			if e.Message == nil || e.Message.Type == message.TypeUser {
				continue
			}
			if text := message.PlainText(e.Message); text != "" {
				texts = append(texts, text)
			}
		case comm.OpError:
			texts = append(texts, e.Error)
		}
	}
	return texts
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// instanceName maps one Telegram chat to one chat instance.
func instanceName(chatID string) string {
	return "telegram:" + strings.TrimSpace(chatID)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// startTypingIndicator sends an initial typing action and refreshes it periodically
// until the returned cancel function is called.
func (a *Adapter) startTypingIndicator(ctx context.Context, bot *telego.Bot, chatID int64) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
