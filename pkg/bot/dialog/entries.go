package dialog

import (
	"fmt"
	"path/filepath"
	"strings"

	"newtonchat/pkg/state"
	"newtonchat/pkg/workspace"
)

// Entry names registered by the built-in modes.
const (
	EntrySubject  = "subject"
	EntryLoadFile = "load-file"
	EntryDitto    = "ditto"
)

const (
	subjectPrompt       = "What subject do you want to know about?"
	askFileMessage      = "Please, write the name of the file"
	fileNotFoundMessage = "File does not exist. Try again or type !subject"
	copyCodeMessage     = "Copy the following code to a cell:"
)

// DittoGreeting opens an instance running the echo dialog.
const DittoGreeting = "Hi! I will repeat everything you say."

// SubjectEntry starts a subject search. "!subject <query>" searches right away.
func SubjectEntry(search *state.SubjectSearch) state.Entry {
	return state.NewManager().Entry(func(r state.Replier, params ...any) state.Result {
		query := joinParams(params)
		if query == "" {
			r.Reply(subjectPrompt)
			return state.Transition(search)
		}
		res := search.Process(r, query)
		if res.IsStay() {
			return state.Transition(search)
		}
		return res
	})
}

// LoadFileEntry asks for a data file inside the guard root and replies the
// code that loads it into a dataframe. The file name may be given as a parameter.
func LoadFileEntry(guard *workspace.Guard) state.Entry {
	return state.NewManager().Script(func(params ...any) *state.Script {
		filename := joinParams(params)
		return state.NewScript(
			func(sc *state.Script, r state.Replier, _ string) state.Outcome {
				if filename != "" && prepareFile(r, guard, filename) {
					return state.Return(state.Home())
				}
				r.ReplyCheckpoint(askFileMessage, sc)
				return state.Await()
			},
			func(sc *state.Script, r state.Replier, input string) state.Outcome {
				if prepareFile(r, guard, input) {
					return state.Return(state.Home())
				}
				return state.AwaitAt(1)
			},
		)
	})
}

func prepareFile(r state.Replier, guard *workspace.Guard, name string) bool {
	rel, err := guard.LookupFile(name)
	if err != nil {
		logger().Debug("load file rejected", "file", name, "category", workspace.CategoryOf(err))
		r.Reply(fileNotFoundMessage)
		return false
	}
	r.Reply(copyCodeMessage)
	r.Reply(fmt.Sprintf("import pandas as pd\ndf = pd.read_csv(%q)\ndf", filepath.ToSlash(rel)))
	return true
}

// DittoEntry echoes every message back.
func DittoEntry() state.Entry {
	return state.NewManager().Entry(func(state.Replier, ...any) state.Result {
		return state.Transition(state.Func(func(r state.Replier, input string) state.Result {
			r.Reply(input + ", ditto")
			return state.Stay()
		}))
	})
}

func joinParams(params []any) string {
	parts := make([]string, 0, len(params))
	for _, param := range params {
		parts = append(parts, fmt.Sprint(param))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
