package config

import (
	"errors"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"egpt/internal/types"
)

const defaultBaseURL = "https://api.explaingpt.ru"

type Settings struct {
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
	Defaults DefaultsConfig `toml:"defaults"`
	UI       UIConfig       `toml:"ui"`
}

type ServerConfig struct {
	BaseURL string `toml:"base_url"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type DefaultsConfig struct {
	Assistant string `toml:"assistant"`
}

type UIConfig struct {
	Markdown      *bool `toml:"markdown"`
	SidebarWidth  int   `toml:"sidebar_width"`
	HistoryLimit  int   `toml:"history_limit"`
	MouseDisabled bool  `toml:"mouse_disabled"`
}

func DefaultSettings() Settings {
	return Settings{
		Server: ServerConfig{
			BaseURL: defaultBaseURL,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Defaults: DefaultsConfig{
			Assistant: string(types.AssistantGpt),
		},
	}
}

// LoadSettings reads ~/.egpt/config.toml over the defaults. A missing or
// empty file yields the defaults. EGPT_BASE_URL and EGPT_LOG_LEVEL override
// the file.
func LoadSettings() (Settings, error) {
	path, err := SettingsPath()
	if err != nil {
		return Settings{}, err
	}
	return loadSettingsFromPath(path)
}

func loadSettingsFromPath(path string) (Settings, error) {
	cfg := DefaultSettings()
	if err := readTOML(path, &cfg); err != nil {
		return Settings{}, err
	}
	if env := strings.TrimSpace(os.Getenv("EGPT_BASE_URL")); env != "" {
		cfg.Server.BaseURL = env
	}
	if env := strings.TrimSpace(os.Getenv("EGPT_LOG_LEVEL")); env != "" {
		cfg.Logging.Level = env
	}
	return cfg, nil
}

func (s Settings) BaseURL() string {
	url := strings.TrimSpace(s.Server.BaseURL)
	if url == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(url, "/")
}

func (s Settings) LogLevel() string {
	level := strings.TrimSpace(s.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (s Settings) DefaultAssistant() types.AssistantType {
	assistant := types.AssistantType(strings.TrimSpace(s.Defaults.Assistant))
	switch assistant {
	case types.AssistantGpt, types.AssistantLaw, types.AssistantEstate:
		return assistant
	default:
		return types.AssistantGpt
	}
}

func (s Settings) MarkdownEnabled() bool {
	if s.UI.Markdown == nil {
		return true
	}
	return *s.UI.Markdown
}

func (s Settings) Dump() (string, error) {
	data, err := toml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}
