package config

import (
	"os"
	"path/filepath"
	"testing"

	toml "github.com/pelletier/go-toml/v2"

	"egpt/internal/types"
)

func TestLoadSettingsMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := loadSettingsFromPath(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL() != defaultBaseURL {
		t.Fatalf("base url = %q", cfg.BaseURL())
	}
	if cfg.LogLevel() != "info" {
		t.Fatalf("log level = %q", cfg.LogLevel())
	}
	if cfg.DefaultAssistant() != types.AssistantGpt {
		t.Fatalf("assistant = %q", cfg.DefaultAssistant())
	}
	if !cfg.MarkdownEnabled() {
		t.Fatal("markdown disabled by default")
	}
}

func TestLoadSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
base_url = "https://staging.example.com/"

[logging]
level = "debug"

[defaults]
assistant = "explain_law"

[ui]
markdown = false
sidebar_width = 30
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadSettingsFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL() != "https://staging.example.com" {
		t.Fatalf("base url = %q", cfg.BaseURL())
	}
	if cfg.LogLevel() != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel())
	}
	if cfg.DefaultAssistant() != types.AssistantLaw {
		t.Fatalf("assistant = %q", cfg.DefaultAssistant())
	}
	if cfg.MarkdownEnabled() {
		t.Fatal("markdown not disabled")
	}
	if cfg.UI.SidebarWidth != 30 {
		t.Fatalf("sidebar width = %d", cfg.UI.SidebarWidth)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EGPT_BASE_URL", "http://localhost:8080")
	t.Setenv("EGPT_LOG_LEVEL", "warn")

	cfg, err := loadSettingsFromPath(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL() != "http://localhost:8080" {
		t.Fatalf("base url = %q", cfg.BaseURL())
	}
	if cfg.LogLevel() != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel())
	}
}

func TestUnknownAssistantFallsBack(t *testing.T) {
	cfg := DefaultSettings()
	cfg.Defaults.Assistant = "explain_magic"
	if cfg.DefaultAssistant() != types.AssistantGpt {
		t.Fatalf("assistant = %q", cfg.DefaultAssistant())
	}
}

func TestDumpIsValidTOML(t *testing.T) {
	dump, err := DefaultSettings().Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if dump == "" {
		t.Fatal("empty dump")
	}
	var roundTrip Settings
	if err := toml.Unmarshal([]byte(dump), &roundTrip); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if roundTrip.Server.BaseURL != defaultBaseURL {
		t.Fatalf("round trip base url = %q", roundTrip.Server.BaseURL)
	}
}
