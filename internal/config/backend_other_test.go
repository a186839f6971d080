//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storyloom", "config.json")

	b := openFileBackend(path)
	if err := b.SetInt("server.port", 5200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetBool("server.mcp_enabled", false); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	if err := b.SetString("workflow.count_mode", "all"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reopened := openFileBackend(path)
	if v, ok, err := reopened.GetInt("server.port"); err != nil || !ok || v != 5200 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, err := reopened.GetBool("server.mcp_enabled"); err != nil || !ok || v {
		t.Errorf("GetBool = %v, %v, %v", v, ok, err)
	}
	if v, ok, _ := reopened.GetString("workflow.count_mode"); !ok || v != "all" {
		t.Errorf("GetString = %q, %v", v, ok)
	}
	if _, ok, _ := reopened.GetString("log.level"); ok {
		t.Error("unset key reported as set")
	}

	if err := reopened.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := openFileBackend(path).GetInt("server.port"); ok {
		t.Error("deleted key still present")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("config dir has %d files, want only config.json", len(entries))
	}
}

func TestFileBackend_StringValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server.port":"4300","server.mcp_enabled":"no","knowledge.top_k":2.5}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b := openFileBackend(path)

	if v, _, err := b.GetInt("server.port"); err != nil || v != 4300 {
		t.Errorf("GetInt from string = %d, %v", v, err)
	}
	if _, ok, err := b.GetBool("server.mcp_enabled"); !ok || err == nil {
		t.Errorf("GetBool(\"no\") = ok %v, err %v; want an error", ok, err)
	}
	if _, _, err := b.GetInt("knowledge.top_k"); err == nil {
		t.Error("expected error for fractional integer")
	}
}

func TestFileBackend_CorruptFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadWith(openFileBackend(path), mockKeychain{value: "sk-test"})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet("storyloom", "api_token"); err == nil {
		t.Fatal("expected error before any secret is stored")
	}
	if err := keychainSet("storyloom", "api_token", "tok-1"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := keychainSet("storyloom", "generation_api_key", "sk-2"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet("storyloom", "api_token")
	if err != nil || string(got) != "tok-1" {
		t.Errorf("keychainGet = %q, %v", got, err)
	}
	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}
