package fantasy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"newtonchat/pkg/config"
	providertypes "newtonchat/pkg/provider/types"
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type Client struct {
	provider       languageModelProvider
	newProvider    func(apiKey string) (languageModelProvider, error)
	requestTimeout time.Duration
	modelID        string
	generate       func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)

	mu        sync.Mutex
	providers map[string]languageModelProvider
}

func New(cfg *config.Config) (*Client, error) {
	modelID := strings.TrimSpace(cfg.Providers.Model)
	if modelID != "" {
		normalized, err := normalizeOpenAIModel(modelID)
		if err != nil {
			return nil, err
		}
		modelID = normalized
	}

	newProvider := func(apiKey string) (languageModelProvider, error) {
		providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
		if baseURL := strings.TrimSpace(cfg.Providers.OpenAI.BaseURL); baseURL != "" {
			providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
		}
		if organization := strings.TrimSpace(cfg.Providers.OpenAI.Organization); organization != "" {
			providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
		}
		if project := strings.TrimSpace(cfg.Providers.OpenAI.Project); project != "" {
			providerOptions = append(providerOptions, provideropenai.WithProject(project))
		}

		fantasyProvider, err := provideropenai.New(providerOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
		}
		return fantasyProvider, nil
	}

	client := &Client{
		newProvider:    newProvider,
		requestTimeout: time.Duration(cfg.Providers.OpenAI.RequestTimeoutSeconds) * time.Second,
		modelID:        modelID,
		generate:       generateWithFantasyAgent,
		providers:      make(map[string]languageModelProvider),
	}

	if apiKey := resolveAPIKey(cfg.Providers.OpenAI); apiKey != "" {
		provider, err := newProvider(apiKey)
		if err != nil {
			return nil, err
		}
		client.provider = provider
	}

	return client, nil
}

// Complete runs one agent call per requested alternative. The last user entry
// of the conversation becomes the prompt and the earlier entries its history.
func (c *Client) Complete(ctx context.Context, req providertypes.Request) (providertypes.Completion, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	modelID := c.modelID
	if strings.TrimSpace(req.Model) != "" {
		normalized, err := normalizeOpenAIModel(req.Model)
		if err != nil {
			return providertypes.Completion{}, err
		}
		modelID = normalized
	}
	if modelID == "" {
		return providertypes.Completion{}, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return providertypes.Completion{}, errors.New("at least one message is required")
	}

	provider, err := c.providerFor(req.APIKey)
	if err != nil {
		return providertypes.Completion{}, err
	}

	languageModel, err := provider.LanguageModel(ctx, modelID)
	if err != nil {
		return providertypes.Completion{}, fmt.Errorf("resolve language model: %w", err)
	}

	call := buildCall(req)
	generate := c.generate
	if generate == nil {
		generate = generateWithFantasyAgent
	}

	n := max(req.N, 1)
	completion := providertypes.Completion{
		Choices:  make([]string, 0, n),
		Metadata: providertypes.CompletionMetadata{Provider: "openai", Model: modelID},
	}
	for range n {
		result, err := generate(ctx, languageModel, call)
		if err != nil {
			return providertypes.Completion{}, fmt.Errorf("completion failed: %w", err)
		}

		response := extractText(result.Response.Content)
		if response == "" {
			return providertypes.Completion{}, errors.New("completion succeeded but returned no text")
		}
		completion.Choices = append(completion.Choices, response)
		addUsage(&completion.Metadata.Usage, result.TotalUsage)
	}

	return completion, nil
}

func buildCall(req providertypes.Request) core.AgentCall {
	entries := req.Messages
	var prompt string
	if last := entries[len(entries)-1]; last.Role == providertypes.RoleUser {
		prompt = last.Content
		entries = entries[:len(entries)-1]
	}

	history := make([]core.Message, 0, len(entries))
	for _, entry := range entries {
		history = append(history, core.Message{
			Role:    messageRole(entry.Role),
			Content: []core.MessagePart{core.TextPart{Text: entry.Content}},
		})
	}

	temperature := req.Temperature
	topP := req.TopP
	frequencyPenalty := req.FrequencyPenalty
	presencePenalty := req.PresencePenalty
	call := core.AgentCall{
		Prompt:           prompt,
		Messages:         history,
		Temperature:      &temperature,
		TopP:             &topP,
		FrequencyPenalty: &frequencyPenalty,
		PresencePenalty:  &presencePenalty,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		call.MaxOutputTokens = &maxTokens
	}
	return call
}

func messageRole(role string) core.MessageRole {
	switch role {
	case providertypes.RoleSystem:
		return core.MessageRoleSystem
	case providertypes.RoleAssistant:
		return core.MessageRoleAssistant
	default:
		return core.MessageRoleUser
	}
}

func addUsage(total *providertypes.TokenUsage, usage core.Usage) {
	total.InputTokens += usage.InputTokens
	total.OutputTokens += usage.OutputTokens
	total.TotalTokens += usage.TotalTokens
	total.ReasoningTokens += usage.ReasoningTokens
	total.CacheCreationTokens += usage.CacheCreationTokens
	total.CacheReadTokens += usage.CacheReadTokens
}

func (c *Client) providerFor(apiKey string) (languageModelProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		if c.provider == nil {
			return nil, errors.New("openai api key is required: set it on the bot or in OPENAI_API_KEY")
		}
		return c.provider, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if provider, ok := c.providers[apiKey]; ok {
		return provider, nil
	}
	if c.newProvider == nil {
		return nil, errors.New("provider factory is not configured")
	}
	provider, err := c.newProvider(apiKey)
	if err != nil {
		return nil, err
	}
	c.providers[apiKey] = provider
	return provider, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeOpenAIModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	runtime := core.NewAgent(model)
	return runtime.Generate(ctx, call)
}
