package bot

import (
	"encoding/json"
	"errors"
	"testing"

	"newtonchat/pkg/bot/bottest"
	"newtonchat/pkg/message"
	"newtonchat/pkg/state"
)

func testSchema() *Schema {
	return NewSchema().
		Add("prompt", Field{Widget: WidgetTextarea, Kind: KindString, Params: map[string]any{"value": "", "rows": 6}}).
		Add("temperature", Field{Widget: WidgetRange, Kind: KindFloat, Params: map[string]any{"value": 1.0, "min": 0, "max": 1}}).
		Add("n", Field{Widget: WidgetRange, Kind: KindInt, Params: map[string]any{"value": 1}}).
		Add("api_key", Field{Widget: WidgetFile, Kind: KindString, Params: map[string]any{"value": ""}, Secret: true})
}

func TestSchemaMergeCoercesPerField(t *testing.T) {
	prior := map[string]any{"prompt": "old", "temperature": 0.5, "n": 1, "api_key": ""}

	merged, err := testSchema().Merge(prior, map[string]any{
		"temperature": "0.25",
		"n":           float64(3),
		"unknown":     true,
	})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}

	if merged["prompt"] != "old" {
		t.Fatalf("prompt = %v, want prior value", merged["prompt"])
	}
	if merged["temperature"] != 0.25 {
		t.Fatalf("temperature = %v (%T)", merged["temperature"], merged["temperature"])
	}
	if merged["n"] != 3 {
		t.Fatalf("n = %v (%T)", merged["n"], merged["n"])
	}
	if _, ok := merged["unknown"]; ok {
		t.Fatal("unknown keys must be ignored")
	}
	if prior["temperature"] != 0.5 {
		t.Fatal("prior map mutated")
	}
}

func TestSchemaMergeRejectsBadValue(t *testing.T) {
	if _, err := testSchema().Merge(nil, map[string]any{"n": "many"}); err == nil {
		t.Fatal("expected coercion error")
	}
}

func TestSchemaMarshalKeepsOrderAndPairs(t *testing.T) {
	data, err := json.Marshal(testSchema())
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"prompt":["textarea",{"rows":6,"value":""}],"temperature":["range",{"max":1,"min":0,"value":1}],"n":["range",{"value":1}],"api_key":["file",{"value":""}]}`
	if string(data) != want {
		t.Fatalf("schema json = %s\nwant %s", data, want)
	}
}

func TestSchemaSecrets(t *testing.T) {
	secrets := testSchema().Secrets()
	if names := secrets.Names(); len(names) != 1 || names[0] != "api_key" {
		t.Fatalf("secrets = %v", names)
	}
}

func TestContextRepliesLinkToOriginal(t *testing.T) {
	inst := bottest.NewInstance("test")
	original := message.Create("hi", message.TypeUser)
	original.KernelDisplay = message.DisplayHidden
	mc := NewContext(inst, original)

	mc.Reply("hello")
	mc.ReplyError(errors.New("boom"))
	mc.ReplyOptions([]message.OptionItem{{Key: "1", Label: "One"}})
	mc.ReplyCheckpoint("name?", state.Func(func(state.Replier, string) state.Result { return state.Home() }))

	if len(inst.Messages) != 4 {
		t.Fatalf("replies = %d", len(inst.Messages))
	}
	for _, m := range inst.Messages {
		if m.Reply != original.ID {
			t.Fatalf("reply link = %q, want %q", m.Reply, original.ID)
		}
		if m.Display != message.DisplayHidden {
			t.Fatalf("display = %v, want original kernel display", m.Display)
		}
	}
	if inst.Messages[1].Type != message.TypeError {
		t.Fatalf("error type = %q", inst.Messages[1].Type)
	}
	if inst.Messages[2].Type != message.TypeOptions || len(inst.Messages[2].Options) != 1 {
		t.Fatalf("options message = %+v", inst.Messages[2])
	}
	if _, ok := inst.TakeCheckpoint(inst.Messages[3].ID); !ok {
		t.Fatal("checkpoint not registered under the reply id")
	}
}

func TestLoadersOrderAndBuild(t *testing.T) {
	loaders := NewLoaders(
		Loader{Mode: "newton", New: func() (Bot, error) { return nil, errors.New("no tree") }},
		Loader{Mode: "ditto", Schema: testSchema(), New: func() (Bot, error) { return nil, nil }},
	)

	if modes := loaders.Modes(); len(modes) != 2 || modes[0] != "newton" {
		t.Fatalf("modes = %v", modes)
	}
	if _, err := loaders.Build("missing"); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := loaders.Build("newton"); err == nil {
		t.Fatal("expected constructor error")
	}
	if schemas := loaders.Schemas(); schemas.Len() != 2 {
		t.Fatalf("schemas = %d", schemas.Len())
	}
}
