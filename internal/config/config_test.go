package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Memory.Turns != 5 || cfg.Memory.ContextTurns != 3 {
		t.Errorf("Memory = %+v, want turns 5 context 3", cfg.Memory)
	}
	if cfg.Retrieval.DefaultTopK != 8 || cfg.Retrieval.MaxTopK != 20 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Aggregation.DefaultLimit != 5 || cfg.Aggregation.MaxLimit != 20 {
		t.Errorf("Aggregation = %+v", cfg.Aggregation)
	}
	if cfg.LLM.ClassifyTimeout != 4*time.Second {
		t.Errorf("LLM.ClassifyTimeout = %v, want 4s", cfg.LLM.ClassifyTimeout)
	}
	if cfg.Embedding.Timeout != 3*time.Second || cfg.Data.ReadTimeout != 5*time.Second {
		t.Errorf("Embedding.Timeout = %v, Data.ReadTimeout = %v, want 3s and 5s", cfg.Embedding.Timeout, cfg.Data.ReadTimeout)
	}
	if cfg.Currency.Symbol != "₹" || cfg.Currency.Exponent != 2 {
		t.Errorf("Currency = %+v", cfg.Currency)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "finance-assistant.yaml")
	content := `
server:
  port: "9090"
llm:
  provider: none
retrieval:
  default_top_k: 4
data:
  source: file
  file_path: /tmp/txns.json
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FINCHAT_MEMORY_TURNS", "7")
	t.Setenv("FINCHAT_LLM_CLASSIFY_TIMEOUT", "2s")
	t.Setenv("FINCHAT_EMBEDDING_TIMEOUT", "750ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "none" {
		t.Errorf("LLM.Provider = %q, want none", cfg.LLM.Provider)
	}
	if cfg.Retrieval.DefaultTopK != 4 {
		t.Errorf("Retrieval.DefaultTopK = %d, want 4", cfg.Retrieval.DefaultTopK)
	}
	if cfg.Memory.Turns != 7 {
		t.Errorf("Memory.Turns = %d, want 7 from env", cfg.Memory.Turns)
	}
	if cfg.LLM.ClassifyTimeout != 2*time.Second {
		t.Errorf("LLM.ClassifyTimeout = %v, want 2s from env", cfg.LLM.ClassifyTimeout)
	}
	if cfg.Embedding.Timeout != 750*time.Millisecond {
		t.Errorf("Embedding.Timeout = %v, want 750ms from env", cfg.Embedding.Timeout)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() expected error for missing explicit file")
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad memory backend", func(c *Config) { c.Memory.Backend = "disk" }},
		{"context above turns", func(c *Config) { c.Memory.ContextTurns = 9 }},
		{"bad llm provider", func(c *Config) { c.LLM.Provider = "openai" }},
		{"zero dims", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"negative embedding timeout", func(c *Config) { c.Embedding.Timeout = -time.Second }},
		{"negative read timeout", func(c *Config) { c.Data.ReadTimeout = -time.Second }},
		{"top_k above max", func(c *Config) { c.Retrieval.DefaultTopK = 50 }},
		{"bigquery without project", func(c *Config) { c.Data.Source = "bigquery" }},
		{"unknown source", func(c *Config) { c.Data.Source = "s3" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}
