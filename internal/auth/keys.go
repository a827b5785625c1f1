package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const secretBytes = 32

// GenerateSecret creates a fresh random signing secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// SaveSecret writes the secret hex-encoded to a file readable only by the
// owner.
func SaveSecret(secret []byte, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}

// LoadSecret reads a hex-encoded secret from a file.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

// LoadOrGenerateSecret loads the signing secret, generating and saving a new
// one when the file does not exist yet. This keeps issued tokens valid
// across restarts.
func LoadOrGenerateSecret(path string) ([]byte, error) {
	secret, err := LoadSecret(path)
	if err == nil {
		return secret, nil
	}

	secret, err = GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := SaveSecret(secret, path); err != nil {
		return nil, err
	}
	return secret, nil
}
