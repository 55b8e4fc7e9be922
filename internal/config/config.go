package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Upload       UploadConfig
	Delivery     DeliveryConfig
	Triggers     TriggersConfig
	Connectivity ConnectivityConfig
	Capture      CaptureConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type UploadConfig struct {
	Endpoint string
	Timeout  string
	APIToken string
}

type DeliveryConfig struct {
	MaxAttempts      int
	RetryDelay       string
	Retention        string
	PersistEachEntry bool
}

type TriggersConfig struct {
	PollInterval     string
	BackgroundBudget string
}

type ConnectivityConfig struct {
	ProbeURL      string
	ProbeInterval string
}

type CaptureConfig struct {
	InboxDir      string
	MaxImageBytes int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Upload: UploadConfig{
			Endpoint: "http://localhost:3000/upload",
			Timeout:  "30s",
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 5,
			RetryDelay:  "0s",
			Retention:   "1h",
		},
		Triggers: TriggersConfig{
			PollInterval:     "15s",
			BackgroundBudget: "25s",
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: "10s",
		},
		Capture: CaptureConfig{
			MaxImageBytes: 5 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.fieldsync.app) and the
// upload token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/fieldsync/config.json
// and the upload token falls back to the secrets file in the data directory.
//
// Environment variables (FIELDSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts secret lookup for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Upload.APIToken == "" {
		if tok, err := kc.Get(keychainService, secretAccount("upload.api_token")); err == nil && tok != "" {
			cfg.Upload.APIToken = tok
		}
	}

	if cfg.Connectivity.ProbeURL == "" {
		if u, err := url.Parse(cfg.Upload.Endpoint); err == nil && u.Host != "" {
			cfg.Connectivity.ProbeURL = u.Scheme + "://" + u.Host + "/"
		}
	}
	if cfg.Capture.InboxDir == "" {
		cfg.Capture.InboxDir = filepath.Join(cfg.Storage.DataDir, "inbox")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	u, err := url.Parse(c.Upload.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid upload.endpoint %q: must be an http(s) URL", c.Upload.Endpoint)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("invalid delivery.max_attempts %d: must be at least 1", c.Delivery.MaxAttempts)
	}
	if c.Capture.MaxImageBytes < 1 {
		return fmt.Errorf("invalid capture.max_image_bytes %d", c.Capture.MaxImageBytes)
	}
	durations := []struct {
		key, val string
	}{
		{"upload.timeout", c.Upload.Timeout},
		{"delivery.retry_delay", c.Delivery.RetryDelay},
		{"delivery.retention", c.Delivery.Retention},
		{"triggers.poll_interval", c.Triggers.PollInterval},
		{"triggers.background_budget", c.Triggers.BackgroundBudget},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.key, d.val)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

// duration parses a value already checked by Validate.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (u UploadConfig) RequestTimeout() time.Duration { return duration(u.Timeout) }
func (d DeliveryConfig) Delay() time.Duration { return duration(d.RetryDelay) }
func (d DeliveryConfig) RetentionWindow() time.Duration { return duration(d.Retention) }
func (t TriggersConfig) Interval() time.Duration { return duration(t.PollInterval) }
func (t TriggersConfig) Budget() time.Duration { return duration(t.BackgroundBudget) }
func (c ConnectivityConfig) Interval() time.Duration { return duration(c.ProbeInterval) }
