package provider

import (
	"testing"

	"newtonchat/pkg/config"
	providerfantasy "newtonchat/pkg/provider/fantasy"
	provideropenai "newtonchat/pkg/provider/openai"
)

func TestNewDefaultsToOpenAIBackend(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	client, err := New(&config.Config{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropenai.Client); !ok {
		t.Fatalf("expected *openai.Client, got %T", client)
	}
}

func TestNewReturnsErrorForUnsupportedBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Backend = "unknown"

	_, err := New(cfg)
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestNewReturnsFantasyBackend(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Providers.Backend = "fantasy"
	cfg.Providers.Model = "openai/gpt-4o-mini"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*providerfantasy.Client); !ok {
		t.Fatalf("expected *fantasy.Client, got %T", client)
	}
}
