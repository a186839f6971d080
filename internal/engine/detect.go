package engine

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the local inference engine to use. Ollama is the only
// supported local backend; its base URL must be an absolute http(s) URL.
func Detect(cfg DetectConfig) (Engine, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.OllamaBaseURL), "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama base URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("ollama base URL %q must be an absolute http or https URL", cfg.OllamaBaseURL)
	}
	return NewOllamaEngine(base), nil
}
