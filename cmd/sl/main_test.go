package main

import (
	"context"
	"strings"
	"testing"

	"stageline/internal/config"
	"stageline/internal/llm"
)

func TestLazyClientDefersProviderSetup(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKeyEnv = "STAGELINE_TEST_MISSING_KEY"
	t.Setenv("STAGELINE_TEST_MISSING_KEY", "")

	// Construction never touches the provider, so commands that only read or
	// administer state work without a key.
	c := &lazyClient{cfg: cfg}
	if got := c.ModelName(); got != cfg.LLM.Model {
		t.Fatalf("model name: %q", got)
	}

	_, err := c.Complete(context.Background(), llm.Request{UserMessage: "hi"})
	if err == nil || !strings.Contains(err.Error(), "STAGELINE_TEST_MISSING_KEY") {
		t.Fatalf("expected missing-key error, got %v", err)
	}
	if !llm.IsKind(err, llm.KindInvalid) {
		t.Fatalf("missing key must not be retryable: %v", err)
	}
}

func TestLazyClientBuildsFakeProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "fake"

	c := &lazyClient{cfg: cfg}
	res, err := c.Complete(context.Background(), llm.Request{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Text == "" {
		t.Fatal("expected output from the fake provider")
	}
}
