package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"newtonchat/pkg/config"
	providertypes "newtonchat/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// ErrMissingAPIKey is returned when neither the request nor the environment
// carries an API key.
var ErrMissingAPIKey = errors.New("openai api key is required: set it on the bot or in OPENAI_API_KEY")

type Client struct {
	client         osdk.Client
	hasKey         bool
	model          string
	requestTimeout time.Duration
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)

	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	model := strings.TrimSpace(cfg.Providers.Model)
	if model != "" {
		if _, err := normalizeModel(model); err != nil {
			return nil, err
		}
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		hasKey:         apiKey != "",
		model:          model,
		requestTimeout: requestTimeout,
	}, nil
}

// Complete sends the whole conversation to the chat completions endpoint.
func (c *Client) Complete(ctx context.Context, req providertypes.Request) (providertypes.Completion, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete")
	startedAt := time.Now()

	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	normalizedModel, err := normalizeModel(model)
	if err != nil {
		return providertypes.Completion{}, err
	}
	if len(req.Messages) == 0 {
		return providertypes.Completion{}, errors.New("at least one message is required")
	}

	var reqOpts []option.RequestOption
	if apiKey := strings.TrimSpace(req.APIKey); apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	} else if !c.hasKey {
		return providertypes.Completion{}, ErrMissingAPIKey
	}

	params, err := buildParams(normalizedModel, req)
	if err != nil {
		return providertypes.Completion{}, err
	}
	log.Debug("provider request started",
		"model", normalizedModel,
		"messages", len(req.Messages),
	)

	resp, err := c.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Completion{}, fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no choices")
		return providertypes.Completion{}, errors.New("completion returned no choices")
	}

	choices := make([]string, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		choices = append(choices, strings.TrimSpace(choice.Message.Content))
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"choices", len(choices),
		"total_tokens", resp.Usage.TotalTokens,
	)

	return providertypes.Completion{
		Choices: choices,
		Metadata: providertypes.CompletionMetadata{
			Provider: "openai",
			Model:    normalizedModel,
			Usage: providertypes.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			},
		},
	}, nil
}

func buildParams(model string, req providertypes.Request) (osdk.ChatCompletionNewParams, error) {
	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case providertypes.RoleSystem:
			messages = append(messages, osdk.SystemMessage(msg.Content))
		case providertypes.RoleUser:
			messages = append(messages, osdk.UserMessage(msg.Content))
		case providertypes.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(msg.Content))
		default:
			return osdk.ChatCompletionNewParams{}, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	params := osdk.ChatCompletionNewParams{
		Model:            shared.ChatModel(model),
		Messages:         messages,
		Temperature:      osdk.Float(req.Temperature),
		TopP:             osdk.Float(req.TopP),
		FrequencyPenalty: osdk.Float(req.FrequencyPenalty),
		PresencePenalty:  osdk.Float(req.PresencePenalty),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = osdk.Int(req.MaxTokens)
	}
	if req.N > 0 {
		params.N = osdk.Int(req.N)
	}
	return params, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
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

func normalizeModel(model string) (string, error) {
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
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
