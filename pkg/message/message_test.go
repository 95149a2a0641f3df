package message

import (
	"strings"
	"testing"
)

func TestCreateAssignsUniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		m := Create("hello", TypeUser)
		if m.ID == "" {
			t.Fatal("expected id")
		}
		if _, dup := seen[m.ID]; dup {
			t.Fatalf("duplicate id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
}

func TestCreateDefaults(t *testing.T) {
	m := Create("hello", TypeBot, WithReply("parent"), InConversationContext(true))

	if m.SelectedAlt != -1 {
		t.Fatalf("selectedAlt = %d, want -1", m.SelectedAlt)
	}
	if m.Reply != "parent" {
		t.Fatalf("reply = %q, want parent", m.Reply)
	}
	if !m.InConversationContext {
		t.Fatal("expected message in conversation context")
	}
	if m.KernelProcess != ProcessPrevent {
		t.Fatalf("kernelProcess = %v, want PREVENT", m.KernelProcess)
	}
	if m.Timestamp == 0 {
		t.Fatal("expected timestamp")
	}
}

func TestCreateAlternatives(t *testing.T) {
	m := CreateAlternatives([]string{"one", "two"}, TypeBot)

	if m.Text != "one" {
		t.Fatalf("text = %q, want first alternative", m.Text)
	}
	if m.SelectedAlt != 0 {
		t.Fatalf("selectedAlt = %d, want 0", m.SelectedAlt)
	}
	if len(m.Alternatives) != 2 {
		t.Fatalf("alternatives = %v", m.Alternatives)
	}

	m.SelectedAlt = 1
	if got := m.Content(); got != "two" {
		t.Fatalf("Content() = %q, want two", got)
	}
}

func TestApplyPartialMergesNestedFields(t *testing.T) {
	m := Create("hello", TypeBot)
	m.Feedback = Feedback{Rate: 1, Reason: "clear", OtherReason: "none"}
	originalID := m.ID
	originalTimestamp := m.Timestamp

	err := ApplyPartial(m, map[string]any{
		"id":        "forged",
		"timestamp": float64(1),
		"feedback":  map[string]any{"rate": float64(5)},
		"loading":   true,
	})
	if err != nil {
		t.Fatalf("ApplyPartial error: %v", err)
	}

	if m.ID != originalID {
		t.Fatalf("id changed to %q", m.ID)
	}
	if m.Timestamp != originalTimestamp {
		t.Fatalf("timestamp changed to %d", m.Timestamp)
	}
	if m.Feedback.Rate != 5 {
		t.Fatalf("feedback.rate = %d, want 5", m.Feedback.Rate)
	}
	if m.Feedback.Reason != "clear" || m.Feedback.OtherReason != "none" {
		t.Fatalf("feedback clobbered: %#v", m.Feedback)
	}
	if !m.Loading {
		t.Fatal("expected loading to be updated")
	}
}

func TestApplyPartialRejectsBadTypes(t *testing.T) {
	m := Create("hello", TypeBot)
	before := *m

	if err := ApplyPartial(m, map[string]any{"selectedAlt": "first"}); err == nil {
		t.Fatal("expected type error")
	}
	if m.ID != before.ID || m.Text != before.Text {
		t.Fatalf("message mutated on failed merge: %#v", m)
	}
}

func TestStripMetadata(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "no markers", input: "plain text\nwith lines", want: "plain text\nwith lines"},
		{name: "metadata only", input: "answer\n####metadata#:{\"tokens\":3}", want: "answer"},
		{name: "markdown only", input: "####markdown#:\nanswer", want: "answer"},
		{name: "both markers", input: WrapMetadata("answer", map[string]int{"tokens": 3}), want: "answer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripMetadata(tt.input)
			if got != tt.want {
				t.Fatalf("StripMetadata(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if again := StripMetadata(got); again != got {
				t.Fatalf("StripMetadata not idempotent: %q then %q", got, again)
			}
		})
	}
}

func TestRenderOptions(t *testing.T) {
	got := RenderOptions([]OptionItem{{Key: "1", Label: "Algebra"}, {Key: "0", Label: "Back"}}, true)
	if !strings.HasPrefix(got, "####ol#:\n-") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "1::bot::Algebra\n-0::bot::Back") {
		t.Fatalf("unexpected items: %q", got)
	}
}

func TestPlainText(t *testing.T) {
	menu := Create(RenderOptions([]OptionItem{{Key: "1", Label: "Algebra"}}, true), TypeOptions,
		WithOptions([]OptionItem{{Key: "1", Label: "Algebra"}, {Key: "0", Label: "Back"}}))
	if got := PlainText(menu); got != "- Algebra\n- Back" {
		t.Fatalf("PlainText(menu) = %q", got)
	}

	answer := Create(WrapMetadata(" answer ", map[string]int{"tokens": 3}), TypeBot)
	if got := PlainText(answer); got != "answer" {
		t.Fatalf("PlainText(answer) = %q", got)
	}
	if got := PlainText(nil); got != "" {
		t.Fatalf("PlainText(nil) = %q", got)
	}
}

func TestCloneSharesNoState(t *testing.T) {
	m := CreateAlternatives([]string{"a", "b"}, TypeBot, WithOptions([]OptionItem{{Key: "1", Label: "One"}}))
	c := m.Clone()

	if c == m || c.ID != m.ID || c.Content() != "a" {
		t.Fatalf("clone = %+v", c)
	}
	if err := ApplyPartial(m, map[string]any{"selectedAlt": 1, "text": "changed"}); err != nil {
		t.Fatalf("ApplyPartial error: %v", err)
	}
	m.Alternatives[0] = "mutated"
	m.Options[0].Label = "mutated"

	if c.Content() != "a" || c.Text != "a" || c.Options[0].Label != "One" {
		t.Fatalf("clone changed with the original: %+v", c)
	}
	if (*Message)(nil).Clone() != nil {
		t.Fatal("nil clone must be nil")
	}
	if empty := Create("x", TypeUser).Clone(); empty.Alternatives == nil {
		t.Fatal("empty alternatives must stay an empty list")
	}
}
