// Package dialog implements the scripted bot: a state machine whose states are
// built from named entries and driven one user message at a time.
package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"strings"

	"github.com/spf13/cast"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/message"
	"newtonchat/pkg/state"
)

const (
	keyHome = "home"

	commandPrefix = "!"

	// maxHops bounds redirect chains inside one message.
	maxHops = 16
)

// Bot dispatches user messages to the current dialog state.
type Bot struct {
	entries  *orderedmap.OrderedMap[string, state.Entry]
	home     string
	greeting string
	values   map[string]any
	current  state.State
}

var _ bot.Bot = (*Bot)(nil)

// Option customizes a Bot.
type Option func(*Bot)

// WithEntry registers an entry reachable as "!name" and by redirects.
func WithEntry(name string, entry state.Entry) Option {
	return func(b *Bot) {
		b.entries.Set(name, entry)
	}
}

// WithGreeting sends text once when the instance starts, before the home state.
func WithGreeting(text string) Option {
	return func(b *Bot) {
		b.greeting = strings.TrimSpace(text)
	}
}

// New builds a dialog bot whose home state is constructed by the entry
// registered under home.
func New(home string, opts ...Option) *Bot {
	b := &Bot{
		entries: orderedmap.New[string, state.Entry](),
		home:    home,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.values = b.ConfigSchema().Defaults()
	return b
}

func (b *Bot) ConfigSchema() *bot.Schema {
	return bot.NewSchema().
		Add(keyHome, bot.Field{Widget: bot.WidgetDatalist, Kind: bot.KindString, Params: map[string]any{"value": b.home, "options": b.Entries()}})
}

func (b *Bot) ConfigValues() map[string]any {
	return maps.Clone(b.values)
}

// Entries returns the registered entry names in registration order.
func (b *Bot) Entries() []string {
	names := make([]string, 0, b.entries.Len())
	for pair := b.entries.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Current returns the state the next message is delivered to.
func (b *Bot) Current() state.State {
	return b.current
}

func (b *Bot) ApplyConfig(_ context.Context, inst bot.Instance, data map[string]any, start bool) error {
	merged, err := b.ConfigSchema().Merge(b.values, data)
	if err != nil {
		return err
	}
	if home := cast.ToString(merged[keyHome]); home != "" {
		if _, ok := b.entries.Get(home); !ok {
			return fmt.Errorf("unknown home entry %q", home)
		}
	}
	b.values = merged

	inst.SetConfig("enable_autocomplete", false)

	if start {
		mc := bot.NewContext(inst, nil)
		if b.greeting != "" {
			mc.Reply(b.greeting)
		}
		b.current = nil
		b.resolve(mc, state.Home())
	}
	return nil
}

func (b *Bot) ProcessMessage(_ context.Context, mc *bot.Context) {
	if mc.Original == nil || mc.Original.Type != message.TypeUser {
		return
	}
	text := strings.TrimSpace(message.StripMetadata(mc.Text()))

	if mc.Original.Reply != "" {
		if checkpoint, ok := mc.Instance.TakeCheckpoint(mc.Original.Reply); ok && !sameState(checkpoint, b.current) {
			b.resume(mc, checkpoint, text)
			return
		}
	}

	if res, ok := b.command(text); ok {
		b.resolve(mc, res)
		return
	}

	if b.current == nil {
		b.resolve(mc, state.Home())
		if b.current == nil {
			return
		}
	}
	b.resolve(mc, b.current.Process(mc, text))
}

// resume hands an answer to a pending checkpoint. When the checkpoint is done
// control returns to the state it interrupted, which presents itself again.
func (b *Bot) resume(mc *bot.Context, checkpoint state.State, text string) {
	interrupted := b.current
	res := checkpoint.Process(mc, text)
	switch {
	case res.IsStay():
		b.current = checkpoint
	case res.IsHome(), res.IsNone():
		if interrupted == nil {
			b.resolve(mc, state.Home())
			return
		}
		if announcer, ok := interrupted.(state.Announcer); ok {
			announcer.Announce(mc)
		}
	default:
		b.resolve(mc, res)
	}
}

// command turns "!name args" into a redirect when name is registered.
func (b *Bot) command(text string) (state.Result, bool) {
	if !strings.HasPrefix(text, commandPrefix) {
		return state.Result{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(fields) == 0 {
		return state.Result{}, false
	}
	if _, ok := b.entries.Get(fields[0]); !ok {
		return state.Result{}, false
	}
	params := make([]any, 0, len(fields)-1)
	for _, field := range fields[1:] {
		params = append(params, field)
	}
	return state.Redirect(fields[0], params...), true
}

// resolve applies a result, constructing entries for redirects and for the
// home state until control settles on a state.
func (b *Bot) resolve(mc *bot.Context, res state.Result) {
	for range maxHops {
		switch {
		case res.IsStay():
			return
		case res.IsTransition():
			b.current = res.Next()
			return
		case res.IsRedirect():
			name, params := res.Target()
			entry, ok := b.entries.Get(name)
			if !ok {
				mc.ReplyError(fmt.Errorf("unknown dialog state %q", name))
				return
			}
			logger().Debug("redirect", "instance", mc.Instance.Name(), "target", name)
			res = entry(mc, params...)
		default:
			b.current = nil
			entry, ok := b.entries.Get(b.homeName())
			if !ok {
				return
			}
			res = entry(mc)
			if res.IsHome() || res.IsNone() {
				return
			}
		}
	}
	mc.ReplyError(fmt.Errorf("dialog redirected more than %d times", maxHops))
}

// sameState compares states without panicking on func-typed states.
func sameState(a, b state.State) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}

func (b *Bot) homeName() string {
	if home := cast.ToString(b.values[keyHome]); home != "" {
		return home
	}
	return b.home
}

func (b *Bot) ProcessAutocomplete(context.Context, bot.Instance, string) []string {
	return nil
}

// Save persists the settings only. Dialog states live in memory and restart
// from home after a load.
func (b *Bot) Save() map[string]any {
	return map[string]any{"config": maps.Clone(b.values)}
}

func (b *Bot) Load(data map[string]any) error {
	raw, ok := data["config"]
	if !ok || raw == nil {
		return nil
	}
	config, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("bot config must be an object, got %T", raw)
	}
	merged, err := b.ConfigSchema().Merge(b.values, config)
	if err != nil {
		return err
	}
	b.values = merged
	b.current = nil
	return nil
}

func logger() *slog.Logger {
	return slog.Default().With("component", "bot.dialog")
}
