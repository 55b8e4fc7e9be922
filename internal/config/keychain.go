package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const keychainService = "fieldsync"

// ErrSecretNotFound is returned by Keychain.Get when no item exists for the
// service/account pair.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain reads and writes named secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 JSON file in the data directory elsewhere.
func NewKeychain() Keychain {
	return keychainStore{}
}

type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local HTTP API,
// generating and storing one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	tok, err := kc.Get(keychainService, "api_token")
	switch {
	case err == nil && tok != "":
		return tok, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		// Regenerating here would lock out clients holding the old token.
		return "", fmt.Errorf("reading API token: %w", err)
	}
	tok = uuid.New().String()
	if err := kc.Set(keychainService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
