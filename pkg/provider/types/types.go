package types

// Roles accepted in a completion request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one role-tagged entry of the conversation sent upstream.
type ChatMessage struct {
	Role    string
	Content string
}

// Request is a stateless chat completion request. The caller owns the
// conversation and sends all of it every time.
type Request struct {
	Model            string
	Messages         []ChatMessage
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	MaxTokens        int64
	// N is the number of alternative completions to generate.
	N int64
	// APIKey overrides the key the backend was configured with.
	APIKey string
}

// Completion is the normalized provider response payload.
type Completion struct {
	Choices  []string
	Metadata CompletionMetadata
}

// CompletionMetadata carries provider/model identity and usage accounting.
type CompletionMetadata struct {
	Provider string
	Model    string
	Usage    TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheCreationTokens == 0 &&
		u.CacheReadTokens == 0
}
