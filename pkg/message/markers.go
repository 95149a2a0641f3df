package message

import (
	"encoding/json"
	"strings"
)

const (
	MetadataMarker = "####metadata#:"
	MarkdownMarker = "####markdown#:\n"
)

// StripMetadata removes the trailing metadata block and the leading markdown
// marker. Text without markers is returned unchanged.
func StripMetadata(text string) string {
	if before, _, found := strings.Cut(text, MetadataMarker); found {
		text = strings.TrimSuffix(before, "\n")
	}
	return strings.ReplaceAll(text, MarkdownMarker, "")
}

// WrapMetadata renders content as a markdown block followed by a JSON metadata block.
func WrapMetadata(content string, metadata any) string {
	payload, err := json.Marshal(metadata)
	if err != nil {
		payload = []byte("{}")
	}
	return MarkdownMarker + content + "\n" + MetadataMarker + string(payload)
}

// RenderOptions renders a menu in the list format understood by the notebook client.
func RenderOptions(items []OptionItem, ordered bool) string {
	mode := "ul"
	if ordered {
		mode = "ol"
	}

	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, item.Key+"::bot::"+item.Label)
	}
	return "####" + mode + "#:\n-" + strings.Join(lines, "\n-")
}

// PlainText renders m for clients without markdown or menu support. Menus
// become one "- label" line per entry.
func PlainText(m *Message) string {
	if m == nil {
		return ""
	}
	if len(m.Options) > 0 {
		lines := make([]string, 0, len(m.Options))
		for _, item := range m.Options {
			lines = append(lines, "- "+item.Label)
		}
		return strings.Join(lines, "\n")
	}
	return strings.TrimSpace(StripMetadata(m.Content()))
}
