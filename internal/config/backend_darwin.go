//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.fieldsync.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "fieldsync")
	}
	return "fieldsync-data"
}

// darwinBackend shells out to the `defaults` tool so settings show up in the
// same domain a companion macOS app would read.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) read(key string) (string, bool, error) {
	cmd := exec.Command("defaults", "read", b.domain, key)
	out, err := cmd.CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading default for key '%s': %w, output: %s", key, err, s)
	}
	return s, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

// GetBool accepts what `defaults read` prints for -bool values (1/0) as well
// as strings written by hand.
func (b *darwinBackend) GetBool(key string) (bool, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return false, ok, err
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, true, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return v, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

// write runs `defaults write` with a typed value, or `defaults delete` when
// typeFlag is empty, and surfaces the tool's output on failure.
func (b *darwinBackend) write(key, typeFlag, val string) error {
	args := []string{"delete", b.domain, key}
	if typeFlag != "" {
		args = []string{"write", b.domain, key, typeFlag, val}
	}
	out, err := exec.Command("defaults", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("defaults %s %s: %w: %s", args[0], key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *darwinBackend) SetBool(key string, val bool) error {
	return b.write(key, "-bool", strconv.FormatBool(val))
}

// Delete removes key from the domain. Deleting an unset key is not an error.
func (b *darwinBackend) Delete(key string) error {
	if _, ok, err := b.read(key); err != nil || !ok {
		return err
	}
	return b.write(key, "", "")
}
