package config

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	data map[string]any
}

func newMapBackend(kv map[string]any) *mapBackend {
	if kv == nil {
		kv = make(map[string]any)
	}
	return &mapBackend{data: kv}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case bool:
		if val {
			return "true", true, nil
		}
		return "false", true, nil
	default:
		return "", true, errors.New("not a string")
	}
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (b *mapBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return false, false, nil
	}
	bv, ok := v.(bool)
	if !ok {
		return false, true, errors.New("not a bool")
	}
	return bv, true, nil
}

func (b *mapBackend) SetString(key, val string) error    { b.data[key] = val; return nil }
func (b *mapBackend) SetInt(key string, val int) error   { b.data[key] = val; return nil }
func (b *mapBackend) SetBool(key string, val bool) error { b.data[key] = val; return nil }
func (b *mapBackend) Delete(key string) error            { delete(b.data, key); return nil }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORYLOOM_GENERATION_API_KEY", "test-key")

	cfg, err := loadWith(newMapBackend(nil), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = false, want true")
	}
	if cfg.Generation.Backend != BackendOpenAI {
		t.Errorf("Generation.Backend = %q, want %q", cfg.Generation.Backend, BackendOpenAI)
	}
	if cfg.Generation.MaxAttempts != 3 {
		t.Errorf("Generation.MaxAttempts = %d, want 3", cfg.Generation.MaxAttempts)
	}
	if cfg.Workflow.TotalTargetLength != 5000 {
		t.Errorf("Workflow.TotalTargetLength = %d, want 5000", cfg.Workflow.TotalTargetLength)
	}
	if cfg.Workflow.ChapterSafetyCap != 20 {
		t.Errorf("Workflow.ChapterSafetyCap = %d, want 20", cfg.Workflow.ChapterSafetyCap)
	}
	if cfg.Workflow.MaxReviewRounds != 3 {
		t.Errorf("Workflow.MaxReviewRounds = %d, want 3", cfg.Workflow.MaxReviewRounds)
	}
	if cfg.Workflow.ConsistencyInterval != 3 {
		t.Errorf("Workflow.ConsistencyInterval = %d, want 3", cfg.Workflow.ConsistencyInterval)
	}
	if !strings.HasSuffix(cfg.Knowledge.Path, "knowledge_base.json") {
		t.Errorf("Knowledge.Path = %q, want it under the data dir", cfg.Knowledge.Path)
	}
}

// TestBackendValues verifies keys read from the backend land in the struct.
func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMapBackend(map[string]any{
		"server.port":                    5100,
		"server.mcp_enabled":             false,
		"generation.backend":             "ollama",
		"ollama.model":                   "llama3",
		"workflow.chapter_safety_cap":    7,
		"workflow.count_mode":            "all",
		"knowledge.path":                 "/tmp/kb.json",
		"workflow.max_review_rounds":     2,
		"workflow.total_target_length":   12000,
		"workflow.chapter_target_length": 1800,
	})

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d, want 5100", cfg.Server.Port)
	}
	if cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = true, want false")
	}
	if cfg.Generation.Backend != BackendOllama {
		t.Errorf("Generation.Backend = %q, want ollama", cfg.Generation.Backend)
	}
	if cfg.Ollama.Model != "llama3" {
		t.Errorf("Ollama.Model = %q, want llama3", cfg.Ollama.Model)
	}
	if cfg.Workflow.ChapterSafetyCap != 7 {
		t.Errorf("ChapterSafetyCap = %d, want 7", cfg.Workflow.ChapterSafetyCap)
	}
	if cfg.Workflow.CountMode != "all" {
		t.Errorf("CountMode = %q, want all", cfg.Workflow.CountMode)
	}
	if cfg.Knowledge.Path != "/tmp/kb.json" {
		t.Errorf("Knowledge.Path = %q, want /tmp/kb.json", cfg.Knowledge.Path)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORYLOOM_GENERATION_API_KEY", "env-key")
	t.Setenv("STORYLOOM_SERVER_PORT", "6000")
	t.Setenv("STORYLOOM_WORKFLOW_MAX_REVIEW_ROUNDS", "5")

	b := newMapBackend(map[string]any{"server.port": 5100})
	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Generation.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want %q", cfg.Generation.APIKey, "env-key")
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Workflow.MaxReviewRounds != 5 {
		t.Errorf("MaxReviewRounds = %d, want 5", cfg.Workflow.MaxReviewRounds)
	}
}

// TestInvalidEnvKeepsDefault verifies an unparsable integer is ignored.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORYLOOM_GENERATION_API_KEY", "k")
	t.Setenv("STORYLOOM_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(newMapBackend(nil), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

// TestProviderEnvFallback verifies OPENAI_* variables fill in when STORYLOOM_* are unset.
func TestProviderEnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8080/v1")

	cfg, err := loadWith(newMapBackend(nil), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generation.APIKey != "sk-openai" {
		t.Errorf("APIKey = %q, want sk-openai", cfg.Generation.APIKey)
	}
	if cfg.Generation.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("BaseURL = %q, want the OPENAI_BASE_URL value", cfg.Generation.BaseURL)
	}
}

// TestKeychainFallback verifies the secret store supplies the API key last.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMapBackend(nil), mockKeychain{value: "kc-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generation.APIKey != "kc-key" {
		t.Errorf("APIKey = %q, want kc-key", cfg.Generation.APIKey)
	}
}

// TestMissingRequiredField verifies a clear error when the API key is missing everywhere.
func TestMissingRequiredField(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(newMapBackend(nil), mockKeychain{err: errors.New("no keychain")})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if got := err.Error(); !strings.Contains(got, "missing required config") {
		t.Errorf("error = %q, want it to contain %q", got, "missing required config")
	}
}

// TestOllamaNeedsNoKey verifies the ollama backend loads without an API key.
func TestOllamaNeedsNoKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORYLOOM_GENERATION_BACKEND", "ollama")

	if _, err := loadWith(newMapBackend(nil), mockKeychain{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown backend", map[string]string{"STORYLOOM_GENERATION_BACKEND": "carrier-pigeon"}, "invalid generation.backend"},
		{"bad count mode", map[string]string{"STORYLOOM_WORKFLOW_COUNT_MODE": "words"}, "invalid workflow.count_mode"},
		{"zero safety cap", map[string]string{"STORYLOOM_WORKFLOW_CHAPTER_SAFETY_CAP": "0"}, "chapter_safety_cap"},
		{"zero review rounds", map[string]string{"STORYLOOM_WORKFLOW_MAX_REVIEW_ROUNDS": "0"}, "max_review_rounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("STORYLOOM_GENERATION_API_KEY", "k")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(newMapBackend(nil), mockKeychain{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Generation.APIKey = "sk-super-secret-7f3a"

	var found bool
	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Value, "super-secret") {
			t.Fatalf("ShowAll exposed a secret value for %s", ki.Key)
		}
		if ki.Key == "generation.api_key" {
			found = true
			if !ki.Secret || ki.Value != "****7f3a" {
				t.Errorf("api key shown as %+v", ki)
			}
		}
	}
	if !found {
		t.Error("secret key missing from ShowAll")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":             "(not set)",
		"short":        "****",
		"sk-abcdefghi": "****fghi",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend(nil)

	if err := setKeyWith(b, "workflow.chapter_safety_cap", "9"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if b.data["workflow.chapter_safety_cap"] != 9 {
		t.Errorf("stored %v, want 9", b.data["workflow.chapter_safety_cap"])
	}
	if err := setKeyWith(b, "server.mcp_enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if b.data["server.mcp_enabled"] != false {
		t.Errorf("stored %v, want false", b.data["server.mcp_enabled"])
	}
	if err := setKeyWith(b, "workflow.chapter_safety_cap", "lots"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, "generation.api_key", "x"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("unknown key error = %v, want it to list valid keys", err)
	}
}

func TestSetKeyChecksValues(t *testing.T) {
	tests := []struct {
		key, value string
		ok         bool
	}{
		{"generation.backend", "openai", true},
		{"generation.backend", "llamacpp", false},
		{"workflow.count_mode", "all", true},
		{"workflow.count_mode", "words", false},
		{"generation.timeout", "90s", true},
		{"generation.timeout", "soon", false},
		{"generation.initial_backoff", "-1s", false},
		{"workflow.max_review_rounds", "0", false},
		{"server.port", "70000", false},
		{"log.level", "debug", true},
	}
	for _, tt := range tests {
		b := newMapBackend(nil)
		err := setKeyWith(b, tt.key, tt.value)
		if (err == nil) != tt.ok {
			t.Errorf("setKeyWith(%s, %q) err = %v, want ok=%t", tt.key, tt.value, err, tt.ok)
		}
		if _, stored := b.data[tt.key]; stored != tt.ok {
			t.Errorf("setKeyWith(%s, %q) stored = %t", tt.key, tt.value, stored)
		}
	}
}

func TestValidKeysSortedWithoutSecrets(t *testing.T) {
	keys := ValidKeys()
	if !sort.StringsAreSorted(keys) {
		t.Errorf("keys not sorted: %v", keys)
	}
	for _, k := range keys {
		if k == "generation.api_key" {
			t.Error("secret key listed as settable")
		}
	}
}

type memSecrets struct {
	data map[string]string
}

func (m *memSecrets) Get(service, account string) (string, error) {
	v, ok := m.data[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memSecrets) Set(service, account, value string) error {
	m.data[service+"/"+account] = value
	return nil
}

func TestGetAPITokenGeneratesOnce(t *testing.T) {
	s := &memSecrets{data: make(map[string]string)}

	first, err := GetAPIToken(s)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != apiTokenByteSize*2 {
		t.Errorf("token length = %d, want %d", len(first), apiTokenByteSize*2)
	}
	second, err := GetAPIToken(s)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first != second {
		t.Error("second call generated a new token")
	}
}
