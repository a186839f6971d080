package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Generation GenerationConfig
	Ollama     OllamaConfig
	Workflow   WorkflowConfig
	Knowledge  KnowledgeConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// GenerationConfig selects and configures the backend that serves the
// generation roles. Backend is "openai" (any OpenAI-compatible endpoint)
// or "ollama".
type GenerationConfig struct {
	Backend        string
	BaseURL        string
	Model          string
	APIKey         string
	Timeout        string
	MaxAttempts    int
	InitialBackoff string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type WorkflowConfig struct {
	TotalTargetLength   int
	ChapterTargetLength int
	ChapterSafetyCap    int
	MaxReviewRounds     int
	ConsistencyInterval int
	CountMode           string
}

type KnowledgeConfig struct {
	Path string
	TopK int
}

const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: true,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
		Generation: GenerationConfig{
			Backend:        BackendOpenAI,
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "qwen/qwen3-max",
			Timeout:        "120s",
			MaxAttempts:    3,
			InitialBackoff: "500ms",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5:14b",
		},
		Workflow: WorkflowConfig{
			TotalTargetLength:   5000,
			ChapterTargetLength: 3000,
			ChapterSafetyCap:    20,
			MaxReviewRounds:     3,
			ConsistencyInterval: 3,
			CountMode:           "han",
		},
		Knowledge: KnowledgeConfig{
			TopK: 3,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.storyloom.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/storyloom/config.json
// and secrets come from environment variables or the secrets file.
//
// Environment variables (STORYLOOM_*) override backend values on all
// platforms. OPENAI_API_KEY and OPENAI_BASE_URL are honoured when the
// STORYLOOM_* equivalents are unset.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := applyProviderEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Generation.APIKey == "" {
		if key, err := kc.Get(keychainService, "generation_api_key"); err == nil && key != "" {
			cfg.Generation.APIKey = key
		}
	}

	if cfg.Knowledge.Path == "" {
		cfg.Knowledge.Path = filepath.Join(cfg.Storage.DataDir, "knowledge_base.json")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Generation.Backend {
	case BackendOpenAI:
		if c.Generation.APIKey == "" {
			msg := "missing required config: generation API key. " +
				"Set it via environment variable STORYLOOM_GENERATION_API_KEY or OPENAI_API_KEY" +
				apiKeyHint()
			return fmt.Errorf("%s", msg)
		}
	case BackendOllama:
	default:
		return fmt.Errorf("invalid generation.backend %q: want %q or %q", c.Generation.Backend, BackendOpenAI, BackendOllama)
	}
	switch c.Workflow.CountMode {
	case "han", "all":
	default:
		return fmt.Errorf("invalid workflow.count_mode %q: want \"han\" or \"all\"", c.Workflow.CountMode)
	}
	if c.Workflow.ChapterSafetyCap < 1 {
		return fmt.Errorf("workflow.chapter_safety_cap must be at least 1, got %d", c.Workflow.ChapterSafetyCap)
	}
	if c.Workflow.MaxReviewRounds < 1 {
		return fmt.Errorf("workflow.max_review_rounds must be at least 1, got %d", c.Workflow.MaxReviewRounds)
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
