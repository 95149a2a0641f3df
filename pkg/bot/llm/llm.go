// Package llm implements the conversational bot backed by a language model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/bot/profile"
	"newtonchat/pkg/message"
	"newtonchat/pkg/provider"
	providertypes "newtonchat/pkg/provider/types"
)

const (
	// TokenThreshold is the total token usage above which the newest context
	// entry is evicted.
	TokenThreshold = 3000

	DefaultModel = "gpt-3.5-turbo"

	keyPrompt = "prompt"
	keyRules  = "rules_to_be_followed"
	keyAPIKey = "api_key"
	formKey   = "!form"
)

var errNoChoices = errors.New("language model returned no choices")

// Schema returns the settings of the LLM bot. defaultModel is offered first.
func Schema(defaultModel string) *bot.Schema {
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	models := []string{defaultModel}
	for _, model := range []string{"gpt-3.5-turbo", "gpt-4", "gpt-4o-mini"} {
		if model != defaultModel {
			models = append(models, model)
		}
	}

	return bot.NewSchema().
		Add(keyPrompt, bot.Field{Widget: bot.WidgetTextarea, Kind: bot.KindString, Params: map[string]any{"value": "", "rows": 6}}).
		Add(keyRules, bot.Field{Widget: bot.WidgetTextarea, Kind: bot.KindString, Params: map[string]any{"value": "", "rows": 6}}).
		Add("model", bot.Field{Widget: bot.WidgetDatalist, Kind: bot.KindString, Params: map[string]any{"value": defaultModel, "options": models}}).
		Add("temperature", bot.Field{Widget: bot.WidgetRange, Kind: bot.KindFloat, Params: map[string]any{"value": 1.0, "min": 0, "max": 1, "step": 0.01}}).
		Add("max_tokens", bot.Field{Widget: bot.WidgetRange, Kind: bot.KindInt, Params: map[string]any{"value": 1024, "min": 1, "max": 4000, "step": 1}}).
		Add("top_p", bot.Field{Widget: bot.WidgetRange, Kind: bot.KindFloat, Params: map[string]any{"value": 0.9, "min": 0, "max": 1, "step": 0.01}}).
		Add("frequency_penalty", bot.Field{Widget: bot.WidgetRange, Kind: bot.KindFloat, Params: map[string]any{"value": 0.0, "min": 0, "max": 2, "step": 0.01}}).
		Add("presence_penalty", bot.Field{Widget: bot.WidgetRange, Kind: bot.KindFloat, Params: map[string]any{"value": 0.0, "min": 0, "max": 2, "step": 0.01}}).
		Add("n", bot.Field{Widget: bot.WidgetRange, Kind: bot.KindInt, Params: map[string]any{"value": 1, "min": 1, "max": 20, "step": 1}}).
		Add(keyAPIKey, bot.Field{Widget: bot.WidgetFile, Kind: bot.KindString, Params: map[string]any{"value": ""}, Secret: true})
}

// Bot keeps a rolling conversation and asks a Generator for every reply.
type Bot struct {
	generator     provider.Generator
	schema        *bot.Schema
	profile       string
	values        map[string]any
	apiKey        string
	contextWindow int
	buffer        *Buffer
}

var _ bot.Bot = (*Bot)(nil)

// Option customizes a Bot.
type Option func(*Bot)

// WithModel selects the default model.
func WithModel(model string) Option {
	return func(b *Bot) {
		b.schema = Schema(model)
	}
}

// WithProfile sets the system prompt used when none is configured.
func WithProfile(prompt string) Option {
	return func(b *Bot) {
		b.profile = strings.TrimSpace(prompt)
	}
}

func New(generator provider.Generator, opts ...Option) *Bot {
	b := &Bot{
		generator: generator,
		schema:    Schema(DefaultModel),
		buffer:    NewBuffer(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.profile == "" {
		if prompt, err := profile.Resolve(""); err == nil {
			b.profile = prompt
		}
	}
	b.values = b.schema.Defaults()
	delete(b.values, keyAPIKey)
	return b
}

func (b *Bot) ConfigSchema() *bot.Schema {
	return b.schema
}

// ConfigValues returns the current settings. The API key is never echoed.
func (b *Bot) ConfigValues() map[string]any {
	values := maps.Clone(b.values)
	values[keyAPIKey] = ""
	return values
}

func (b *Bot) ApplyConfig(ctx context.Context, inst bot.Instance, data map[string]any, start bool) error {
	merged, err := b.schema.Merge(b.values, data)
	if err != nil {
		return err
	}
	if key := strings.TrimSpace(cast.ToString(merged[keyAPIKey])); key != "" {
		b.apiKey = key
	}
	delete(merged, keyAPIKey)
	b.values = merged

	inst.SetConfig("enable_autocomplete", false)

	if !start {
		return nil
	}

	prompt := strings.TrimSpace(cast.ToString(b.values[keyPrompt]))
	if prompt == "" {
		prompt = b.profile
	}
	b.buffer.Clear()
	b.buffer.Append(providertypes.RoleSystem, prompt)

	texts, err := b.respond(ctx, inst)
	if err != nil {
		inst.Reply(message.Create(err.Error(), message.TypeError))
		return nil
	}
	opening := message.CreateAlternatives(texts, message.TypeBot, message.InConversationContext(true))
	inst.Reply(opening)
	b.remember(opening)
	return nil
}

// ProcessMessage appends the message to the conversation and replies with
// every alternative the model produced. Only messages marked as part of the
// conversation context are sent upstream.
func (b *Bot) ProcessMessage(ctx context.Context, mc *bot.Context) {
	role := roleFor(mc.Original.Type)
	if role == "" {
		return
	}

	b.buffer.AppendMessage(role, message.StripMetadata(mc.Text()), mc.Original.ID)

	texts, err := b.respond(ctx, mc.Instance)
	if err != nil {
		logger().Warn("generate reply failed", "instance", mc.Instance.Name(), "error", err)
		mc.ReplyError(err)
		return
	}
	b.remember(mc.ReplyAlternatives(texts, true))
}

func (b *Bot) ProcessAutocomplete(context.Context, bot.Instance, string) []string {
	return nil
}

// respond sends the conversation upstream and returns every choice wrapped
// with its metadata block.
func (b *Bot) respond(ctx context.Context, inst bot.Instance) ([]string, error) {
	if b.generator == nil {
		return nil, errors.New("no language model backend configured")
	}

	messages, positions := b.conversation(inst)
	completion, err := b.generator.Complete(ctx, b.request(messages))
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errNoChoices
	}

	tokens := completion.Metadata.Usage.TotalTokens
	if tokens > TokenThreshold {
		b.buffer.DropLast()
		b.contextWindow++
	}

	metadata := map[string]any{
		"tokens":         tokens,
		"context":        positions,
		"context_window": b.contextWindow,
	}
	texts := make([]string, 0, len(completion.Choices))
	for _, choice := range completion.Choices {
		texts = append(texts, message.WrapMetadata(strings.TrimSpace(choice), metadata))
	}
	return texts, nil
}

// remember appends a generated reply as the assistant turn.
func (b *Bot) remember(m *message.Message) {
	if m == nil {
		return
	}
	b.buffer.AppendMessage(providertypes.RoleAssistant, message.StripMetadata(m.Content()), m.ID)
}

// conversation resolves the buffer against the instance history. A linked
// message contributes its selected alternative and is skipped once it leaves
// the conversation context. Each sent entry is tagged with its history
// position, "|n" for the selected alternative and ":R" when the rules were
// appended. Entries without a history message are tagged "b<index>".
func (b *Bot) conversation(inst bot.Instance) ([]providertypes.ChatMessage, []string) {
	history := inst.History()
	positions := make(map[string]int, len(history))
	for i, m := range history {
		if m != nil {
			positions[m.ID] = i
		}
	}

	rules := strings.TrimSpace(cast.ToString(b.values[keyRules]))
	entries := b.buffer.List()
	messages := make([]providertypes.ChatMessage, 0, len(entries))
	tags := make([]string, 0, len(entries))
	for i, entry := range entries {
		content := entry.Content
		tag := "b" + strconv.Itoa(i)
		if pos, ok := positions[entry.MessageID]; ok && entry.MessageID != "" {
			m := history[pos]
			if !m.InConversationContext {
				continue
			}
			tag = strconv.Itoa(pos)
			content = m.Text
			if m.SelectedAlt >= 0 && m.SelectedAlt < len(m.Alternatives) {
				content = m.Alternatives[m.SelectedAlt]
				tag += "|" + strconv.Itoa(m.SelectedAlt)
			}
		}

		content = strings.TrimSpace(message.StripMetadata(content))
		if entry.Role == providertypes.RoleUser && rules != "" {
			content = content + " \\n " + rules
			tag += ":R"
		}
		messages = append(messages, providertypes.ChatMessage{Role: entry.Role, Content: content})
		tags = append(tags, tag)
	}
	return messages, tags
}

func (b *Bot) request(messages []providertypes.ChatMessage) providertypes.Request {
	return providertypes.Request{
		Model:            cast.ToString(b.values["model"]),
		Messages:         messages,
		Temperature:      cast.ToFloat64(b.values["temperature"]),
		TopP:             cast.ToFloat64(b.values["top_p"]),
		FrequencyPenalty: cast.ToFloat64(b.values["frequency_penalty"]),
		PresencePenalty:  cast.ToFloat64(b.values["presence_penalty"]),
		MaxTokens:        cast.ToInt64(b.values["max_tokens"]),
		N:                cast.ToInt64(b.values["n"]),
		APIKey:           b.apiKey,
	}
}

// Save returns the persisted form. Secret settings are replaced by an empty
// form under "!form" so they are re-entered instead of stored.
func (b *Bot) Save() map[string]any {
	config := maps.Clone(b.values)
	delete(config, keyPrompt)
	delete(config, keyRules)

	return map[string]any{
		"config":         config,
		keyPrompt:        b.values[keyPrompt],
		keyRules:         b.values[keyRules],
		"context_window": b.contextWindow,
		"context":        b.buffer.List(),
		formKey:          b.schema.Secrets(),
	}
}

func (b *Bot) Load(data map[string]any) error {
	values := maps.Clone(b.values)
	if raw, ok := data["config"]; ok {
		config, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("bot config must be an object, got %T", raw)
		}
		merged, err := b.schema.Merge(values, config)
		if err != nil {
			return err
		}
		values = merged
	}
	for _, key := range []string{keyPrompt, keyRules} {
		if raw, ok := data[key]; ok {
			values[key] = cast.ToString(raw)
		}
	}
	delete(values, keyAPIKey)

	contextWindow := b.contextWindow
	if raw, ok := data["context_window"]; ok {
		n, err := cast.ToIntE(raw)
		if err != nil {
			return fmt.Errorf("context_window: %w", err)
		}
		contextWindow = n
	}

	var entries []Entry
	if raw, ok := data["context"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		if err := json.Unmarshal(encoded, &entries); err != nil {
			return fmt.Errorf("decode context: %w", err)
		}
	}

	if form, ok := data[formKey].(map[string]any); ok {
		if key, ok := form[keyAPIKey].(string); ok && strings.TrimSpace(key) != "" {
			b.apiKey = strings.TrimSpace(key)
		}
	}

	b.values = values
	b.contextWindow = contextWindow
	b.buffer.Replace(entries)
	return nil
}

// ContextWindow returns how many entries were evicted for exceeding the token threshold.
func (b *Bot) ContextWindow() int {
	return b.contextWindow
}

// Conversation returns a copy of the rolling conversation.
func (b *Bot) Conversation() []Entry {
	return b.buffer.List()
}

func roleFor(kind string) string {
	switch kind {
	case message.TypeUser:
		return providertypes.RoleUser
	case message.TypeBot:
		return providertypes.RoleAssistant
	case message.TypeSystem:
		return providertypes.RoleSystem
	default:
		return ""
	}
}

func logger() *slog.Logger {
	return slog.Default().With("component", "bot.llm")
}
