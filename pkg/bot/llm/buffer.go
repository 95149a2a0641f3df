package llm

import (
	"strings"
	"time"
)

// Entry is one role-tagged item of the rolling conversation. Entries linked to
// a history message through MessageID read their content from that message
// when the request is built.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Buffer is the rolling conversation sent to the language model. It is owned
// by one bot and driven by the kernel worker only.
type Buffer struct {
	entries []Entry
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Append(role string, content string) {
	b.AppendMessage(role, content, "")
}

// AppendMessage appends an entry linked to the history message id.
func (b *Buffer) AppendMessage(role string, content string, messageID string) {
	role = strings.TrimSpace(role)
	content = strings.TrimSpace(content)
	if role == "" || (content == "" && messageID == "") {
		return
	}

	b.entries = append(b.entries, Entry{
		Role:      role,
		Content:   content,
		MessageID: strings.TrimSpace(messageID),
		At:        time.Now().UTC(),
	})
}

// DropLast removes the most recently appended entry and reports whether one existed.
func (b *Buffer) DropLast() bool {
	if len(b.entries) == 0 {
		return false
	}
	b.entries = b.entries[:len(b.entries)-1]
	return true
}

func (b *Buffer) List() []Entry {
	if len(b.entries) == 0 {
		return nil
	}

	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Replace swaps the whole conversation, used when restoring a saved bot.
func (b *Buffer) Replace(entries []Entry) {
	b.entries = append([]Entry(nil), entries...)
}

func (b *Buffer) Len() int {
	return len(b.entries)
}

func (b *Buffer) Clear() {
	b.entries = nil
}
