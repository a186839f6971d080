package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	check   func(raw string) error // optional, run by SetKey before writing
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STORYLOOM_SERVER_PORT",
		check:   intBetween(1, 65535),
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "STORYLOOM_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STORYLOOM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "STORYLOOM_LOG_LEVEL",
		check:   oneOf("debug", "info", "warn", "error"),
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "generation.backend", typ: kString, env: "STORYLOOM_GENERATION_BACKEND",
		check:   oneOf(BackendOllama, BackendOpenAI),
		apply:   func(cfg *Config, v any) { cfg.Generation.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Backend },
	},
	{
		key: "generation.base_url", typ: kString, env: "STORYLOOM_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.model", typ: kString, env: "STORYLOOM_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.api_key", typ: kString, env: "STORYLOOM_GENERATION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.APIKey },
	},
	{
		key: "generation.timeout", typ: kString, env: "STORYLOOM_GENERATION_TIMEOUT",
		check:   duration,
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "generation.max_attempts", typ: kInt, env: "STORYLOOM_GENERATION_MAX_ATTEMPTS",
		check:   intBetween(1, 20),
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxAttempts },
	},
	{
		key: "generation.initial_backoff", typ: kString, env: "STORYLOOM_GENERATION_INITIAL_BACKOFF",
		check:   duration,
		apply:   func(cfg *Config, v any) { cfg.Generation.InitialBackoff = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.InitialBackoff },
	},
	{
		key: "ollama.base_url", typ: kString, env: "STORYLOOM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "STORYLOOM_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "workflow.total_target_length", typ: kInt, env: "STORYLOOM_WORKFLOW_TOTAL_TARGET_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Workflow.TotalTargetLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.TotalTargetLength },
	},
	{
		key: "workflow.chapter_target_length", typ: kInt, env: "STORYLOOM_WORKFLOW_CHAPTER_TARGET_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Workflow.ChapterTargetLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.ChapterTargetLength },
	},
	{
		key: "workflow.chapter_safety_cap", typ: kInt, env: "STORYLOOM_WORKFLOW_CHAPTER_SAFETY_CAP",
		check:   intBetween(1, 1000),
		apply:   func(cfg *Config, v any) { cfg.Workflow.ChapterSafetyCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.ChapterSafetyCap },
	},
	{
		key: "workflow.max_review_rounds", typ: kInt, env: "STORYLOOM_WORKFLOW_MAX_REVIEW_ROUNDS",
		check:   intBetween(1, 100),
		apply:   func(cfg *Config, v any) { cfg.Workflow.MaxReviewRounds = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.MaxReviewRounds },
	},
	{
		key: "workflow.consistency_interval", typ: kInt, env: "STORYLOOM_WORKFLOW_CONSISTENCY_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Workflow.ConsistencyInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.ConsistencyInterval },
	},
	{
		// han counts Han ideographs only; a text without any is counted in full.
		key: "workflow.count_mode", typ: kString, env: "STORYLOOM_WORKFLOW_COUNT_MODE",
		check:   oneOf("han", "all"),
		apply:   func(cfg *Config, v any) { cfg.Workflow.CountMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.CountMode },
	},
	{
		key: "knowledge.path", typ: kString, env: "STORYLOOM_KNOWLEDGE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Knowledge.Path },
	},
	{
		key: "knowledge.top_k", typ: kInt, env: "STORYLOOM_KNOWLEDGE_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.TopK },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not read config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
