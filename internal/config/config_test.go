package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8600" || cfg.Engine.Workers != 4 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	body := "engine:\n  workers: 2\nllm:\n  provider: fake\n  model: test\n"
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Workers != 2 {
		t.Fatalf("workers: %d", cfg.Engine.Workers)
	}
	if cfg.LLM.Provider != "fake" {
		t.Fatalf("provider: %s", cfg.LLM.Provider)
	}
	if cfg.Server.Addr != ":8600" {
		t.Fatalf("addr default lost: %s", cfg.Server.Addr)
	}
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "mystery"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg := Default()
	cfg.Engine.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected workers error")
	}
}

func TestAPIKeyFromEnv(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKeyEnv = "STAGELINE_TEST_KEY"
	t.Setenv("STAGELINE_TEST_KEY", "sk-test")
	if got := cfg.APIKey(); got != "sk-test" {
		t.Fatalf("api key: %q", got)
	}
}
