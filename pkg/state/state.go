// Package state implements the dialog state machine: states consume one user
// message at a time and tell the dispatcher where control goes next.
package state

import (
	"fmt"

	"newtonchat/pkg/message"
)

// Replier sends output back to the conversation a state is attached to.
type Replier interface {
	Reply(text string)
	ReplyOptions(items []message.OptionItem)
	// ReplyCheckpoint replies and registers st to handle the next message that
	// answers this reply.
	ReplyCheckpoint(text string, st State)
}

// State is one unit of dialog logic.
type State interface {
	Process(r Replier, input string) Result
}

// Func adapts a plain function to State.
type Func func(r Replier, input string) Result

func (f Func) Process(r Replier, input string) Result {
	return f(r, input)
}

// Announcer is implemented by states that present themselves when control
// returns to them, for example by re-sending a menu.
type Announcer interface {
	Announce(r Replier)
}

// Entry constructs a state and runs it up to the point where it waits for input.
type Entry func(r Replier, params ...any) Result

type resultKind int

const (
	kindNone resultKind = iota
	kindStay
	kindTransition
	kindHome
	kindRedirect
)

// Result tells the dispatcher what happens after a state ran. The zero value
// means the state returned nothing; a Manager substitutes its default for it.
type Result struct {
	kind   resultKind
	next   State
	target string
	params []any
}

// Stay keeps the current state.
func Stay() Result {
	return Result{kind: kindStay}
}

// Transition hands control to next.
func Transition(next State) Result {
	if next == nil {
		return Home()
	}
	return Result{kind: kindTransition, next: next}
}

// Home returns control to the dispatcher's default state.
func Home() Result {
	return Result{kind: kindHome}
}

// Redirect aborts the current flow and hands control to the entry registered
// under target, constructed with params.
func Redirect(target string, params ...any) Result {
	return Result{kind: kindRedirect, target: target, params: params}
}

func (r Result) IsNone() bool       { return r.kind == kindNone }
func (r Result) IsStay() bool       { return r.kind == kindStay }
func (r Result) IsHome() bool       { return r.kind == kindHome }
func (r Result) IsTransition() bool { return r.kind == kindTransition }
func (r Result) IsRedirect() bool   { return r.kind == kindRedirect }

// Next returns the target state of a transition.
func (r Result) Next() State {
	return r.next
}

// Target returns the entry name and construction parameters of a redirect.
func (r Result) Target() (string, []any) {
	return r.target, r.params
}

// Or substitutes def when r is the zero Result.
func (r Result) Or(def Result) Result {
	if r.IsNone() {
		return def
	}
	return r
}

func (r Result) String() string {
	switch r.kind {
	case kindStay:
		return "stay"
	case kindTransition:
		return fmt.Sprintf("transition(%T)", r.next)
	case kindHome:
		return "home"
	case kindRedirect:
		return fmt.Sprintf("redirect(%s)", r.target)
	default:
		return "none"
	}
}

// Manager wraps state logic so an entry that returns nothing resolves to a
// configured default.
type Manager struct {
	Default Result
}

// NewManager returns a manager whose default is Home.
func NewManager() Manager {
	return Manager{Default: Home()}
}

// Entry wraps direct-style logic.
func (m Manager) Entry(fn func(r Replier, params ...any) Result) Entry {
	return func(r Replier, params ...any) Result {
		return fn(r, params...).Or(m.Default)
	}
}

// Script wraps suspending-style logic. The script runs until it first waits
// for input; if it finishes without waiting its result becomes the next state
// directly, otherwise the suspended script itself becomes the next state.
func (m Manager) Script(build func(params ...any) *Script) Entry {
	return func(r Replier, params ...any) Result {
		sc := build(params...)
		if sc.start(r) {
			return Transition(sc)
		}
		return sc.result.Or(m.Default)
	}
}

// Reply returns an entry that replies text and returns home.
func (m Manager) Reply(text string) Entry {
	return m.Entry(func(r Replier, _ ...any) Result {
		r.Reply(text)
		return Result{}
	})
}

// Loader returns an entry that redirects to the entry registered under target.
func (m Manager) Loader(target string, params ...any) Entry {
	return m.Entry(func(Replier, ...any) Result {
		return Redirect(target, params...)
	})
}
