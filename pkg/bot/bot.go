// Package bot defines the conversational agents a chat instance delegates to.
package bot

import (
	"context"

	"newtonchat/pkg/message"
	"newtonchat/pkg/state"
)

// Instance is the view of a chat instance that bots work against.
type Instance interface {
	Name() string
	History() []*message.Message
	// Reply appends a generated message to the history and emits it.
	Reply(m *message.Message)
	SetConfig(key string, value any)
	SetCheckpoint(id string, st state.State)
	// TakeCheckpoint removes and returns the state registered for id.
	TakeCheckpoint(id string) (state.State, bool)
}

// Bot is the behavior behind one chat instance.
type Bot interface {
	ConfigSchema() *Schema
	ConfigValues() map[string]any
	// ApplyConfig merges data over the current settings. On the initial start
	// the bot also produces its opening reply.
	ApplyConfig(ctx context.Context, inst Instance, data map[string]any, start bool) error
	// ProcessMessage handles one inbound message. Failures are reported to the
	// user as error messages.
	ProcessMessage(ctx context.Context, mc *Context)
	ProcessAutocomplete(ctx context.Context, inst Instance, query string) []string
	Save() map[string]any
	Load(data map[string]any) error
}

// Context carries the message being processed and replies to it.
type Context struct {
	Instance Instance
	Original *message.Message
}

var _ state.Replier = (*Context)(nil)

// NewContext binds msg to the instance that received it.
func NewContext(inst Instance, msg *message.Message) *Context {
	return &Context{Instance: inst, Original: msg}
}

// Text returns the content of the original message.
func (c *Context) Text() string {
	return c.Original.Content()
}

// Reply sends a bot message linked to the original message.
func (c *Context) Reply(text string) {
	c.ReplyMessage(message.Create(text, message.TypeBot, c.replyOptions(false)...))
}

// ReplyAlternatives sends one message holding several candidate texts.
func (c *Context) ReplyAlternatives(texts []string, inConversationContext bool) *message.Message {
	m := message.CreateAlternatives(texts, message.TypeBot, c.replyOptions(inConversationContext)...)
	c.ReplyMessage(m)
	return m
}

// ReplyError sends err as an error message.
func (c *Context) ReplyError(err error) {
	c.ReplyMessage(message.Create(err.Error(), message.TypeError, c.replyOptions(false)...))
}

// ReplyOptions sends a structured menu with its text rendering as fallback.
func (c *Context) ReplyOptions(items []message.OptionItem) {
	opts := append(c.replyOptions(false), message.WithOptions(items))
	c.ReplyMessage(message.Create(message.RenderOptions(items, true), message.TypeOptions, opts...))
}

// ReplyCheckpoint sends text and registers st to handle the answer to it.
func (c *Context) ReplyCheckpoint(text string, st state.State) {
	m := message.Create(text, message.TypeBot, c.replyOptions(false)...)
	if st != nil {
		c.Instance.SetCheckpoint(m.ID, st)
	}
	c.ReplyMessage(m)
}

// ReplyMessage sends a prepared message.
func (c *Context) ReplyMessage(m *message.Message) {
	c.Instance.Reply(m)
}

func (c *Context) replyOptions(inConversationContext bool) []message.Option {
	opts := []message.Option{message.InConversationContext(inConversationContext)}
	if c.Original != nil {
		opts = append(opts, message.WithReply(c.Original.ID), message.WithDisplay(c.Original.KernelDisplay))
	}
	return opts
}
