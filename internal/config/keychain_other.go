//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// secrets maps service to account to value.
type secrets map[string]map[string]string

func secretsFilePath() string {
	dir := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "storyloom", "secrets.json")
}

func keychainGet(service, account string) ([]byte, error) {
	var s secrets
	if err := readJSONFile(secretsFilePath(), &s); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("secret store not available: %w", err)
		}
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	s := make(secrets)
	if err := readJSONFile(p, &s); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("parsing secrets file: %w", err)
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value
	return writeJSONFile(p, s, 0o600)
}
