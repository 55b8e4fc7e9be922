//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// secrets.json lives next to the queue database, outside the config file the
// user edits, as {"<service>": {"<account>": "<value>"}}.
func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func keychainExec(service, account string) ([]byte, error) {
	return fileSecretGet(secretsFilePath(), service, account)
}

func keychainSet(service, account, value string) error {
	return fileSecretSet(secretsFilePath(), service, account, value)
}

func fileSecretGet(path, service, account string) ([]byte, error) {
	secrets, err := readSecrets(path)
	if err != nil {
		return nil, err
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return []byte(val), nil
}

// fileSecretSet rewrites the secrets file under an exclusive lock so the CLI
// and the daemon generating the API token cannot drop each other's writes.
func fileSecretSet(path, service, account, value string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking secrets file: %w", err)
	}
	defer lock.Unlock()

	secrets, err := readSecrets(path)
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*.json")
	if err != nil {
		return fmt.Errorf("creating temp secrets file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing secrets: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readSecrets returns an empty map for a missing file. A file that exists but
// does not parse is an error; overwriting it would lose the stored token.
func readSecrets(path string) (map[string]map[string]string, error) {
	secrets := make(map[string]map[string]string)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	return secrets, nil
}
