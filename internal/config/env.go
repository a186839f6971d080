package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// providerEnv holds the conventional OpenAI client variables. They only fill
// gaps left by the backend and STORYLOOM_* overrides.
type providerEnv struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL"`
}

func applyProviderEnv(cfg *Config) error {
	var pe providerEnv
	if err := env.Parse(&pe); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if cfg.Generation.APIKey == "" {
		cfg.Generation.APIKey = pe.APIKey
	}
	if pe.BaseURL != "" && cfg.Generation.BaseURL == defaults().Generation.BaseURL {
		cfg.Generation.BaseURL = pe.BaseURL
	}
	return nil
}
