package state

import "fmt"

// Step is one segment of a suspending dialog. It receives the message that
// resumed the script (empty for the first segment).
type Step func(sc *Script, r Replier, input string) Outcome

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeAwait
	outcomeJump
	outcomeReturn
)

// Outcome tells a Script how to proceed after a step.
type Outcome struct {
	kind   outcomeKind
	step   int
	result Result
}

// Continue runs the following step immediately.
func Continue() Outcome {
	return Outcome{kind: outcomeContinue}
}

// Await suspends until the next user message and resumes at the following step.
func Await() Outcome {
	return Outcome{kind: outcomeAwait, step: -1}
}

// AwaitAt suspends until the next user message and resumes at step.
func AwaitAt(step int) Outcome {
	return Outcome{kind: outcomeAwait, step: step}
}

// Jump runs step immediately with the same input.
func Jump(step int) Outcome {
	return Outcome{kind: outcomeJump, step: step}
}

// Return finishes the script.
func Return(res Result) Outcome {
	return Outcome{kind: outcomeReturn, result: res}
}

// Script is a dialog written as a linear list of steps that can pause waiting
// for the next user message. The resume point and the locals survive between
// messages.
type Script struct {
	steps  []Step
	pc     int
	done   bool
	result Result
	locals map[string]any
}

// NewScript builds a script from its steps.
func NewScript(steps ...Step) *Script {
	return &Script{steps: steps, locals: make(map[string]any)}
}

// Set stores a local value kept across suspensions.
func (sc *Script) Set(key string, value any) {
	sc.locals[key] = value
}

// Get returns a local value.
func (sc *Script) Get(key string) (any, bool) {
	value, ok := sc.locals[key]
	return value, ok
}

// String returns a local value as a string.
func (sc *Script) String(key string) string {
	value, ok := sc.locals[key]
	if !ok {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}

// Waiting reports whether the script is suspended.
func (sc *Script) Waiting() bool {
	return !sc.done
}

// start runs from the first step and reports whether the script suspended.
func (sc *Script) start(r Replier) bool {
	sc.pc = 0
	sc.done = false
	return sc.run(r, "")
}

// Process resumes the suspended script with the next user message.
func (sc *Script) Process(r Replier, input string) Result {
	if sc.done {
		return sc.result
	}
	if sc.run(r, input) {
		return Stay()
	}
	return sc.result
}

// run executes steps from pc until the script suspends or finishes.
func (sc *Script) run(r Replier, input string) bool {
	for {
		if sc.pc < 0 || sc.pc >= len(sc.steps) {
			sc.done = true
			return false
		}

		outcome := sc.steps[sc.pc](sc, r, input)
		switch outcome.kind {
		case outcomeReturn:
			sc.done = true
			sc.result = outcome.result
			return false
		case outcomeAwait:
			if outcome.step >= 0 {
				sc.pc = outcome.step
			} else {
				sc.pc++
			}
			return true
		case outcomeJump:
			sc.pc = outcome.step
		default:
			sc.pc++
			input = ""
		}
	}
}
