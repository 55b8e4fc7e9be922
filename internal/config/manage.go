package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Where a displayed value came from.
const (
	SourceDefault = "default"
	SourceFile    = "config"
	SourceEnv     = "env"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll returns the non-secret keys of cfg in declaration order. Source is
// "env" when the FIELDSYNC_* variable is set, "default" when the value
// matches the built-in default, and "config" otherwise.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		val := fmt.Sprintf("%v", s.extract(cfg))
		src := SourceFile
		switch {
		case s.env != "" && os.Getenv(s.env) != "":
			src = SourceEnv
		case val == fmt.Sprintf("%v", s.extract(def)):
			src = SourceDefault
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: val, Source: src})
	}
	return result
}

// SetKey persists key. Plain keys go to the platform backend; the upload
// token goes to the platform secret store.
func SetKey(key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return unknownKey(key)
	}
	if s.secret {
		if value == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
		return NewKeychain().Set(keychainService, secretAccount(key), value)
	}
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes key from the platform backend so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return unknownKey(key)
	}
	if s.secret {
		return fmt.Errorf("cannot store secret %q in the config file; use the keychain or %s", key, s.env)
	}

	// Check the value against the rest of the defaults before it is written,
	// so `config set` cannot leave behind a file Load would reject.
	probe := defaults()
	var typed any
	switch s.typ {
	case kString:
		typed = value
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		typed = i
	case kBool:
		bv, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", key, err)
		}
		typed = bv
	}
	s.apply(&probe, typed)
	if err := probe.Validate(); err != nil {
		return err
	}

	switch v := typed.(type) {
	case int:
		return b.SetInt(key, v)
	case bool:
		return b.SetBool(key, v)
	default:
		return b.SetString(key, value)
	}
}

func unsetKey(b ConfigBackend, key string) error {
	s, ok := lookup(key)
	if !ok {
		return unknownKey(key)
	}
	if s.secret {
		return fmt.Errorf("cannot unset secret %q via config", key)
	}
	return b.Delete(key)
}

// ValidKeys returns the list of settable config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown config key: %q", key)
}

// secretAccount maps a dotted key to its keychain account name.
func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}
