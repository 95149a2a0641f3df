package state

import (
	"strings"

	"golang.org/x/text/cases"

	"newtonchat/pkg/message"
)

const (
	defaultOptionsLabel   = "Please, choose an option:"
	defaultInvalidMessage = "I could not understand this option. Please, try again."
)

// Option is one menu entry. Handler runs when the user picks it and its
// result decides the next state.
type Option struct {
	Key     string
	Label   string
	Handler func(r Replier) Result
}

// Options presents a labeled menu and routes the answer to the matching handler.
// Answers match the key, the label or "key. label", ignoring case and
// surrounding whitespace.
type Options struct {
	Label   string
	Invalid string

	options []Option
	matches map[string]func(r Replier) Result
}

// NewOptions builds the menu and announces it.
func NewOptions(r Replier, label string, options []Option) *Options {
	o := newOptions(label, options)
	o.Announce(r)
	return o
}

func newOptions(label string, options []Option) *Options {
	if label == "" {
		label = defaultOptionsLabel
	}

	o := &Options{
		Label:   label,
		Invalid: defaultInvalidMessage,
		options: options,
		matches: make(map[string]func(r Replier) Result, len(options)*3),
	}
	for _, option := range options {
		key, label := normalizeAnswer(option.Key), normalizeAnswer(option.Label)
		o.matches[key] = option.Handler
		o.matches[label] = option.Handler
		o.matches[key+". "+label] = option.Handler
	}
	return o
}

// Announce sends the label followed by the structured option list.
func (o *Options) Announce(r Replier) {
	r.Reply(o.Label)
	r.ReplyOptions(o.Items())
}

// Items returns the menu as key/label pairs.
func (o *Options) Items() []message.OptionItem {
	items := make([]message.OptionItem, 0, len(o.options))
	for _, option := range o.options {
		items = append(items, message.OptionItem{Key: option.Key, Label: option.Label})
	}
	return items
}

// Len returns the number of options.
func (o *Options) Len() int {
	return len(o.options)
}

func (o *Options) Process(r Replier, input string) Result {
	handler, ok := o.matches[normalizeAnswer(input)]
	if !ok || handler == nil {
		r.Reply(o.Invalid)
		return Stay()
	}
	return handler(r)
}

func normalizeAnswer(text string) string {
	return cases.Fold().String(strings.TrimSpace(text))
}
