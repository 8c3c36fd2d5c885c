package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/cortexkeep/internal/config"
)

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CORTEXKEEP_HOME", dir)
	return dir
}

func TestLoad_DefaultsAndGenesis(t *testing.T) {
	withHome(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when no config.yaml exists")
	}
	if cfg.MaxContextTokens != 8000 {
		t.Fatalf("expected default MaxContextTokens=8000, got %d", cfg.MaxContextTokens)
	}
	if cfg.CoreMemoryMax != 100 {
		t.Fatalf("expected default CoreMemoryMax=100, got %d", cfg.CoreMemoryMax)
	}
	if cfg.EmbeddingDim != 1536 {
		t.Fatalf("expected default EmbeddingDim=1536, got %d", cfg.EmbeddingDim)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := withHome(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	yamlBody := "bind_addr: 0.0.0.0:9999\nmax_context_tokens: 4000\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	t.Setenv("BIND_ADDR", "127.0.0.1:1234")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:1234" {
		t.Fatalf("expected env override to win, got %q", cfg.BindAddr)
	}
	if cfg.MaxContextTokens != 4000 {
		t.Fatalf("expected yaml value to survive when no env override, got %d", cfg.MaxContextTokens)
	}
}

func TestLoad_MissingDatabaseURLIsConfigError(t *testing.T) {
	withHome(t)
	t.Setenv("DATABASE_URL", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected ConfigError when DATABASE_URL is unset")
	}
	if config.ExitCode(err) != 64 {
		t.Fatalf("expected exit code 64, got %d", config.ExitCode(err))
	}
}

func TestLoad_RejectsInvalidRateLimit(t *testing.T) {
	home := withHome(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("RATE_LIMIT_GLOBAL", "-1")
	_ = home

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error for negative rate limit")
	}
}
