// Package message defines the chat turn record exchanged between the host and the kernel.
package message

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Display is a rendering hint attached to a message.
type Display int

const (
	DisplayDefault Display = iota
	DisplayHidden
	DisplaySupermodeInput
)

// KernelProcess tells the instance whether the dialog logic should consume a message.
type KernelProcess int

const (
	ProcessPrevent KernelProcess = iota
	ProcessProcess
	ProcessForce
)

const (
	TypeUser    = "user"
	TypeBot     = "bot"
	TypeSystem  = "system"
	TypeError   = "error"
	TypeOptions = "options"
)

// Feedback is the user rating attached to a message. It is opaque to the kernel.
type Feedback struct {
	Rate        int    `json:"rate"`
	Reason      string `json:"reason"`
	OtherReason string `json:"otherreason"`
}

// OptionItem is one entry of a menu rendered by the host.
type OptionItem struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Message is one chat turn.
//
// ID, Timestamp and Reply are fixed at creation; every other field may change
// through ApplyPartial.
type Message struct {
	ID                    string        `json:"id"`
	Text                  string        `json:"text"`
	Type                  string        `json:"type"`
	Timestamp             int64         `json:"timestamp"`
	Reply                 string        `json:"reply,omitempty"`
	Display               Display       `json:"display"`
	KernelProcess         KernelProcess `json:"kernelProcess"`
	KernelDisplay         Display       `json:"kernelDisplay"`
	Feedback              Feedback      `json:"feedback"`
	Loading               bool          `json:"loading"`
	Alternatives          []string      `json:"alternatives"`
	SelectedAlt           int           `json:"selectedAlt"`
	InConversationContext bool          `json:"inConversationContext"`
	Options               []OptionItem  `json:"options,omitempty"`
}

// Option customizes a message at creation time.
type Option func(*Message)

// WithReply links the new message to the message it answers.
func WithReply(id string) Option {
	return func(m *Message) {
		m.Reply = strings.TrimSpace(id)
	}
}

// WithDisplay sets the display hint.
func WithDisplay(display Display) Option {
	return func(m *Message) {
		m.Display = display
	}
}

// InConversationContext marks the message as part of the rolling LLM context.
func InConversationContext(in bool) Option {
	return func(m *Message) {
		m.InConversationContext = in
	}
}

// WithOptions attaches a structured menu.
func WithOptions(items []OptionItem) Option {
	return func(m *Message) {
		m.Options = append([]OptionItem(nil), items...)
	}
}

// Create builds a message with a fresh id and the current timestamp.
func Create(text string, kind string, opts ...Option) *Message {
	m := &Message{
		ID:           NewID(),
		Text:         text,
		Type:         kind,
		Timestamp:    time.Now().UnixMilli(),
		Alternatives: []string{},
		SelectedAlt:  -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateAlternatives builds a message holding several candidate texts. The first
// candidate is selected and mirrored into Text for readers that ignore alternatives.
func CreateAlternatives(texts []string, kind string, opts ...Option) *Message {
	if len(texts) == 0 {
		return Create("", kind, opts...)
	}

	m := Create(texts[0], kind, opts...)
	m.Alternatives = append([]string(nil), texts...)
	m.SelectedAlt = 0
	return m
}

// NewID returns an opaque, time-ordered unique id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Content returns the text currently selected for this message.
func (m *Message) Content() string {
	if m == nil {
		return ""
	}
	if m.SelectedAlt >= 0 && m.SelectedAlt < len(m.Alternatives) {
		return m.Alternatives[m.SelectedAlt]
	}
	return m.Text
}

// EnsureID assigns an id to messages that arrived without one.
func (m *Message) EnsureID() {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = NewID()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
}

// Clone returns a copy of m that shares no mutable state with it.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Alternatives = slices.Clone(m.Alternatives)
	c.Options = slices.Clone(m.Options)
	return &c
}
