package dialog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/bot/bottest"
	"newtonchat/pkg/message"
	"newtonchat/pkg/state"
	"newtonchat/pkg/workspace"
)

const mathTree = `
name: Mathematics
children:
  - name: Algebra
    attrs:
      - key: main_topics
        value: Equations and polynomials.
    children:
      - name: Linear algebra
  - name: Geometry
`

func newSearch(t *testing.T, data string) *state.SubjectSearch {
	t.Helper()

	root, err := LoadTree([]byte(data))
	if err != nil {
		t.Fatalf("LoadTree error: %v", err)
	}
	search, err := state.NewSubjectSearch(root)
	if err != nil {
		t.Fatalf("NewSubjectSearch error: %v", err)
	}
	t.Cleanup(func() { _ = search.Close() })
	return search
}

func newGuard(t *testing.T) *workspace.Guard {
	t.Helper()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "iris.csv"), []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	guard, err := workspace.NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}
	return guard
}

func start(t *testing.T, b *Bot) *bottest.Instance {
	t.Helper()

	inst := bottest.NewInstance("t1")
	if err := b.ApplyConfig(context.Background(), inst, map[string]any{}, true); err != nil {
		t.Fatalf("ApplyConfig error: %v", err)
	}
	return inst
}

func send(b *Bot, inst *bottest.Instance, text string, opts ...message.Option) *message.Message {
	msg := message.Create(text, message.TypeUser, opts...)
	b.ProcessMessage(context.Background(), bot.NewContext(inst, msg))
	return msg
}

func findMessage(t *testing.T, inst *bottest.Instance, text string) *message.Message {
	t.Helper()

	for _, m := range inst.Messages {
		if m.Content() == text {
			return m
		}
	}
	t.Fatalf("no message %q in %v", text, inst.Texts())
	return nil
}

func TestDittoEchoesAndIgnoresBotMessages(t *testing.T) {
	b := New(EntryDitto, WithEntry(EntryDitto, DittoEntry()))
	inst := start(t, b)
	if len(inst.Messages) != 0 {
		t.Fatalf("ditto start replied %v", inst.Texts())
	}

	original := send(b, inst, "hello")
	if got := inst.Last().Content(); got != "hello, ditto" {
		t.Fatalf("reply = %q", got)
	}
	if inst.Last().Reply != original.ID {
		t.Fatal("reply must link to the user message")
	}

	b.ProcessMessage(context.Background(), bot.NewContext(inst, message.Create("from bot", message.TypeBot)))
	if len(inst.Messages) != 1 {
		t.Fatalf("bot messages must not be processed: %v", inst.Texts())
	}
}

func TestGreetingPrecedesHomeOnStartOnly(t *testing.T) {
	b := New(EntryDitto,
		WithEntry(EntryDitto, DittoEntry()),
		WithEntry(EntryLoadFile, LoadFileEntry(newGuard(t))),
		WithGreeting(DittoGreeting),
	)
	inst := start(t, b)
	if texts := inst.Texts(); len(texts) != 1 || texts[0] != DittoGreeting {
		t.Fatalf("start replies = %v", texts)
	}

	send(b, inst, "!load-file iris.csv")
	send(b, inst, "hello")
	texts := inst.Texts()
	if len(texts) != 4 || texts[3] != "hello, ditto" {
		t.Fatalf("greeting must not repeat when control returns home: %v", texts)
	}
}

func TestSubjectHomeSearchesAndRedirects(t *testing.T) {
	b := New(EntrySubject,
		WithEntry(EntrySubject, SubjectEntry(newSearch(t, mathTree))),
		WithEntry(EntryDitto, DittoEntry()),
	)
	inst := start(t, b)
	if texts := inst.Texts(); len(texts) != 1 || texts[0] != subjectPrompt {
		t.Fatalf("start replies = %v", texts)
	}

	send(b, inst, "algebra")
	if _, ok := b.Current().(*state.SubjectChoice); !ok {
		t.Fatalf("current = %T, want subject choice", b.Current())
	}
	if last := inst.Last(); last.Type != message.TypeOptions || len(last.Options) != 3 {
		t.Fatalf("menu = %+v", last)
	}

	send(b, inst, "!ditto")
	send(b, inst, "still here")
	if got := inst.Last().Content(); got != "still here, ditto" {
		t.Fatalf("after redirect reply = %q", got)
	}
}

func TestCommandParamsReachEntry(t *testing.T) {
	b := New(EntrySubject, WithEntry(EntrySubject, SubjectEntry(newSearch(t, mathTree))))
	inst := start(t, b)

	send(b, inst, "!subject geometry")
	findMessage(t, inst, "I found 1 subjects. Which one of these best describe your query?")

	send(b, inst, "!subject nothing-like-this")
	if inst.Last().Content() != "I could not find this subject. Please, try a different query" {
		t.Fatalf("last = %q", inst.Last().Content())
	}
	if _, ok := b.Current().(*state.SubjectSearch); !ok {
		t.Fatalf("current = %T, want subject search", b.Current())
	}
}

func TestUnknownCommandFallsThroughToCurrentState(t *testing.T) {
	b := New(EntryDitto, WithEntry(EntryDitto, DittoEntry()))
	inst := start(t, b)

	send(b, inst, "!nothing")
	if got := inst.Last().Content(); got != "!nothing, ditto" {
		t.Fatalf("reply = %q", got)
	}
}

func TestLoadFileScriptSuspendsUntilValidFile(t *testing.T) {
	b := New(EntryDitto,
		WithEntry(EntryDitto, DittoEntry()),
		WithEntry(EntryLoadFile, LoadFileEntry(newGuard(t))),
	)
	inst := start(t, b)

	send(b, inst, "!load-file")
	if got := inst.Last().Content(); got != askFileMessage {
		t.Fatalf("prompt = %q", got)
	}

	send(b, inst, "missing.csv")
	if got := inst.Last().Content(); got != fileNotFoundMessage {
		t.Fatalf("missing reply = %q", got)
	}

	send(b, inst, "../outside.csv")
	if got := inst.Last().Content(); got != fileNotFoundMessage {
		t.Fatalf("escape reply = %q", got)
	}

	send(b, inst, "iris.csv")
	texts := inst.Texts()
	if texts[len(texts)-2] != copyCodeMessage {
		t.Fatalf("texts = %v", texts)
	}
	if want := "import pandas as pd\ndf = pd.read_csv(\"iris.csv\")\ndf"; texts[len(texts)-1] != want {
		t.Fatalf("code = %q, want %q", texts[len(texts)-1], want)
	}

	send(b, inst, "back home")
	if got := inst.Last().Content(); got != "back home, ditto" {
		t.Fatalf("home reply = %q", got)
	}
}

func TestLoadFileWithParameterFinishesWithoutSuspending(t *testing.T) {
	b := New(EntryDitto,
		WithEntry(EntryDitto, DittoEntry()),
		WithEntry(EntryLoadFile, LoadFileEntry(newGuard(t))),
	)
	inst := start(t, b)

	send(b, inst, "!load-file iris.csv")
	if got := inst.Texts(); len(got) != 2 || got[0] != copyCodeMessage {
		t.Fatalf("texts = %v", got)
	}
	if len(inst.Checkpoints) != 0 {
		t.Fatal("no checkpoint expected when the file is given up front")
	}
}

func TestCheckpointTakesPriorityOverCurrentState(t *testing.T) {
	b := New(EntryDitto,
		WithEntry(EntryDitto, DittoEntry()),
		WithEntry(EntryLoadFile, LoadFileEntry(newGuard(t))),
	)
	inst := start(t, b)

	send(b, inst, "!load-file")
	prompt := findMessage(t, inst, askFileMessage)
	if _, ok := inst.Checkpoints[prompt.ID]; !ok {
		t.Fatal("prompt must register a checkpoint")
	}

	send(b, inst, "!ditto")
	send(b, inst, "iris.csv", message.WithReply(prompt.ID))
	if got := inst.Texts(); got[len(got)-2] != copyCodeMessage {
		t.Fatalf("checkpoint did not handle the answer: %v", got)
	}
	if _, ok := inst.Checkpoints[prompt.ID]; ok {
		t.Fatal("resolved checkpoint must be removed")
	}

	send(b, inst, "again")
	if got := inst.Last().Content(); got != "again, ditto" {
		t.Fatalf("interrupted state lost: %q", got)
	}
}

func TestInterruptedMenuReannounces(t *testing.T) {
	b := New(EntrySubject,
		WithEntry(EntrySubject, SubjectEntry(newSearch(t, mathTree))),
		WithEntry(EntryLoadFile, LoadFileEntry(newGuard(t))),
	)
	inst := start(t, b)

	send(b, inst, "!load-file")
	prompt := findMessage(t, inst, askFileMessage)
	send(b, inst, "!subject geometry")
	choice, ok := b.Current().(*state.SubjectChoice)
	if !ok {
		t.Fatalf("current = %T", b.Current())
	}

	send(b, inst, "iris.csv", message.WithReply(prompt.ID))

	if b.Current() != state.State(choice) {
		t.Fatalf("current = %T, want the interrupted menu", b.Current())
	}
	texts := inst.Texts()
	if !strings.HasPrefix(texts[len(texts)-2], "I found 1 subjects.") {
		t.Fatalf("menu label not re-sent: %v", texts)
	}
	if inst.Last().Type != message.TypeOptions {
		t.Fatalf("last = %+v", inst.Last())
	}
}

func TestTreeStateAttributeRedirects(t *testing.T) {
	tree := `
name: Data
attrs:
  - key: load_data
    state: load-file
`
	b := New(EntrySubject,
		WithEntry(EntrySubject, SubjectEntry(newSearch(t, tree))),
		WithEntry(EntryLoadFile, LoadFileEntry(newGuard(t))),
	)
	inst := start(t, b)

	send(b, inst, "data")
	send(b, inst, "1")
	if _, ok := b.Current().(*state.SubjectInfo); !ok {
		t.Fatalf("current = %T, want subject info", b.Current())
	}
	send(b, inst, "Load data")
	if got := inst.Last().Content(); got != askFileMessage {
		t.Fatalf("attribute did not redirect: %q", got)
	}
}

func TestApplyConfigRejectsUnknownHome(t *testing.T) {
	b := New(EntryDitto, WithEntry(EntryDitto, DittoEntry()))
	err := b.ApplyConfig(context.Background(), bottest.NewInstance("t1"), map[string]any{"home": "nowhere"}, false)
	if err == nil {
		t.Fatal("expected unknown home error")
	}
	if b.ConfigValues()["home"] != EntryDitto {
		t.Fatalf("home = %v", b.ConfigValues()["home"])
	}
}

func TestSaveLoadKeepsSettingsOnly(t *testing.T) {
	b := New(EntryDitto, WithEntry(EntryDitto, DittoEntry()), WithEntry("echo", DittoEntry()))
	inst := start(t, b)
	if err := b.ApplyConfig(context.Background(), inst, map[string]any{"home": "echo"}, false); err != nil {
		t.Fatalf("ApplyConfig error: %v", err)
	}
	saved := b.Save()

	restored := New(EntryDitto, WithEntry(EntryDitto, DittoEntry()), WithEntry("echo", DittoEntry()))
	if err := restored.Load(saved); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if restored.ConfigValues()["home"] != "echo" {
		t.Fatalf("home = %v", restored.ConfigValues()["home"])
	}
	if restored.Current() != nil {
		t.Fatal("loaded dialog must restart from home")
	}

	send(restored, inst, "ping")
	if got := inst.Last().Content(); got != "ping, ditto" {
		t.Fatalf("reply = %q", got)
	}

	if err := restored.Load(map[string]any{"config": []any{"bad"}}); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestLoadTree(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "valid", data: mathTree},
		{name: "missing root name", data: "children: [{name: A}]", wantErr: true},
		{name: "missing child name", data: "name: A\nchildren: [{attrs: []}]", wantErr: true},
		{name: "value and state", data: "name: A\nattrs: [{key: k, value: v, state: s}]", wantErr: true},
		{name: "attribute without key", data: "name: A\nattrs: [{value: v}]", wantErr: true},
		{name: "malformed", data: "name: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTree([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadTree error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultTree(t *testing.T) {
	root, err := LoadTreeFile("")
	if err != nil {
		t.Fatalf("LoadTreeFile error: %v", err)
	}
	if root.Name != "Data science" || len(root.Children) != 3 {
		t.Fatalf("root = %s with %d children", root.Name, len(root.Children))
	}
	if !root.Attrs[1].Value.IsFactory() {
		t.Fatal("load_data attribute must construct a state")
	}
}
