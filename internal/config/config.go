package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Parley environment variables.
const EnvPrefix = "PARLEY_"

// Config holds all application configuration. Secrets (API keys, OAuth
// client secret) are loaded exclusively from environment variables and never
// appear in the config file.
type Config struct {
	DBPath            string `yaml:"db_path"`
	RecordingsDir     string `yaml:"recordings_dir"`
	RecordingExt      string `yaml:"recording_ext"`
	PortMin           int    `yaml:"port_min"`
	PortMax           int    `yaml:"port_max"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	BridgeSocket      string `yaml:"bridge_socket"`
	CaptureSampleRate int    `yaml:"capture_sample_rate"`
	OpenAIModel       string `yaml:"openai_model"`
	GoogleClientID    string `yaml:"google_client_id"`
	CalendarID        string `yaml:"calendar_id"`

	// Secrets come from env vars only, never serialized to YAML.
	DeepgramAPIKey     string `yaml:"-"`
	OpenAIAPIKey       string `yaml:"-"`
	GoogleClientSecret string `yaml:"-"`
}

func defaults() Config {
	return Config{
		DBPath:            "data/parley.db",
		RecordingsDir:     "parley-recordings",
		RecordingExt:      "webm",
		PortMin:           9000,
		PortMax:           9100,
		ConnectTimeout:    "10s",
		BridgeSocket:      "/tmp/parley.sock",
		CaptureSampleRate: 16000,
		OpenAIModel:       "gpt-4o-mini",
		CalendarID:        "primary",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedConnectTimeout returns ConnectTimeout as a time.Duration, falling
// back to 10s if the value is invalid.
func (c *Config) ParsedConnectTimeout() time.Duration {
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "RECORDINGS_DIR"); v != "" {
		cfg.RecordingsDir = v
	}
	if v := os.Getenv(EnvPrefix + "RECORDING_EXT"); v != "" {
		cfg.RecordingExt = v
	}
	if v := os.Getenv(EnvPrefix + "PORT_MIN"); v != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && port > 0 {
			cfg.PortMin = port
		}
	}
	if v := os.Getenv(EnvPrefix + "PORT_MAX"); v != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && port > 0 {
			cfg.PortMax = port
		}
	}
	if v := os.Getenv(EnvPrefix + "CONNECT_TIMEOUT"); v != "" {
		cfg.ConnectTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "BRIDGE_SOCKET"); v != "" {
		cfg.BridgeSocket = v
	}
	if v := os.Getenv(EnvPrefix + "CAPTURE_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.CaptureSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CLIENT_ID"); v != "" {
		cfg.GoogleClientID = v
	}
	if v := os.Getenv(EnvPrefix + "CALENDAR_ID"); v != "" {
		cfg.CalendarID = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.GoogleClientSecret = os.Getenv(EnvPrefix + "GOOGLE_CLIENT_SECRET")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.PortMin > cfg.PortMax || cfg.PortMin <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid port range %d-%d — using default 9000-9100.", cfg.PortMin, cfg.PortMax))
		cfg.PortMin = 9000
		cfg.PortMax = 9100
	}
	if _, err := time.ParseDuration(cfg.ConnectTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid connect_timeout %q — using default 10s.", cfg.ConnectTimeout))
	}
	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured — post-session transcription is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if cfg.OpenAIAPIKey == "" {
		warnings = append(warnings, "OpenAI API key not configured — meeting summaries are disabled. Set "+EnvPrefix+"OPENAI_API_KEY.")
	}
	if cfg.GoogleClientID == "" {
		warnings = append(warnings, "Google OAuth client not configured — login and calendar are disabled. Set google_client_id.")
	}

	return warnings
}
