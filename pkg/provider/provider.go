package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"newtonchat/pkg/config"
	providerfantasy "newtonchat/pkg/provider/fantasy"
	provideropenai "newtonchat/pkg/provider/openai"
	providertypes "newtonchat/pkg/provider/types"
)

// Generator produces chat completions for a caller-owned conversation.
type Generator interface {
	Complete(ctx context.Context, req providertypes.Request) (providertypes.Completion, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req providertypes.Request) (providertypes.Completion, error)

func (f GeneratorFunc) Complete(ctx context.Context, req providertypes.Request) (providertypes.Completion, error) {
	return f(ctx, req)
}

func New(cfg *config.Config) (Generator, error) {
	backend := strings.TrimSpace(cfg.Providers.Backend)
	if backend == "" {
		backend = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider backend", "backend", backend)

	switch backend {
	case "openai":
		return provideropenai.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider backend: %s", backend)
	}
}
