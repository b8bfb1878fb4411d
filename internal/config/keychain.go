package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	keychainService = "dispatch"
	apiTokenAccount = "api_token"
)

// Keychain is the platform secret store: macOS Keychain on darwin, a 0600
// JSON file elsewhere.
type Keychain struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain { return Keychain{} }

func (Keychain) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the HTTP API, creating and
// storing a random one on first use.
func GetAPIToken(kc SecretStore) (string, error) {
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
