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
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FIELDSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIELDSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "upload.endpoint", typ: kString, env: "FIELDSYNC_UPLOAD_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Upload.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.Endpoint },
	},
	{
		key: "upload.timeout", typ: kString, env: "FIELDSYNC_UPLOAD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upload.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.Timeout },
	},
	{
		key: "upload.api_token", typ: kString, env: "FIELDSYNC_UPLOAD_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Upload.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.APIToken },
	},
	{
		key: "delivery.max_attempts", typ: kInt, env: "FIELDSYNC_DELIVERY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Delivery.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.MaxAttempts },
	},
	{
		key: "delivery.retry_delay", typ: kString, env: "FIELDSYNC_DELIVERY_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Delivery.RetryDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Delivery.RetryDelay },
	},
	{
		key: "delivery.retention", typ: kString, env: "FIELDSYNC_DELIVERY_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Delivery.Retention = v.(string) },
		extract: func(cfg Config) any { return cfg.Delivery.Retention },
	},
	{
		key: "delivery.persist_each_entry", typ: kBool, env: "FIELDSYNC_DELIVERY_PERSIST_EACH_ENTRY",
		apply:   func(cfg *Config, v any) { cfg.Delivery.PersistEachEntry = v.(bool) },
		extract: func(cfg Config) any { return cfg.Delivery.PersistEachEntry },
	},
	{
		key: "triggers.poll_interval", typ: kString, env: "FIELDSYNC_TRIGGERS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Triggers.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Triggers.PollInterval },
	},
	{
		key: "triggers.background_budget", typ: kString, env: "FIELDSYNC_TRIGGERS_BACKGROUND_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Triggers.BackgroundBudget = v.(string) },
		extract: func(cfg Config) any { return cfg.Triggers.BackgroundBudget },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "FIELDSYNC_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.probe_interval", typ: kString, env: "FIELDSYNC_CONNECTIVITY_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeInterval },
	},
	{
		key: "capture.inbox_dir", typ: kString, env: "FIELDSYNC_CAPTURE_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Capture.InboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.InboxDir },
	},
	{
		key: "capture.max_image_bytes", typ: kInt, env: "FIELDSYNC_CAPTURE_MAX_IMAGE_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Capture.MaxImageBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.MaxImageBytes },
	},
	{
		key: "log.level", typ: kString, env: "FIELDSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
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
				return fmt.Errorf("reading %s: %w", s.key, err)
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
