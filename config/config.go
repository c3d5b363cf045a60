package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the dictation pipeline. Values come from the
// environment (optionally seeded from a .env file next to the binary).
type Config struct {
	// Realtime STT provider
	APIKey      string `envconfig:"MURMUR_API_KEY"`
	RealtimeURL string `envconfig:"MURMUR_REALTIME_URL" default:"wss://api.openai.com/v1/realtime?intent=transcription"`
	ProbeURL    string `envconfig:"MURMUR_PROBE_URL" default:"https://api.openai.com/v1/models"`
	Model       string `envconfig:"MURMUR_MODEL" default:"gpt-4o-mini-transcribe"`
	Language    string `envconfig:"MURMUR_LANGUAGE" default:"en"`

	// Server-side voice activity detection, sent in the session handshake
	VADThreshold         float64 `envconfig:"MURMUR_VAD_THRESHOLD" default:"0.5"`
	VADPrefixPaddingMs   int     `envconfig:"MURMUR_VAD_PREFIX_PADDING_MS" default:"300"`
	VADSilenceDurationMs int     `envconfig:"MURMUR_VAD_SILENCE_DURATION_MS" default:"500"`
	NoiseReduction       string  `envconfig:"MURMUR_NOISE_REDUCTION" default:"near_field"`

	// Socket liveness and reconnection
	HeartbeatInterval    time.Duration `envconfig:"MURMUR_HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout     time.Duration `envconfig:"MURMUR_HEARTBEAT_TIMEOUT" default:"10s"`
	ReconnectBase        time.Duration `envconfig:"MURMUR_RECONNECT_BASE" default:"100ms"`
	ReconnectGrowth      float64       `envconfig:"MURMUR_RECONNECT_GROWTH" default:"1.6"`
	ReconnectCap         time.Duration `envconfig:"MURMUR_RECONNECT_CAP" default:"25.6s"`
	ReconnectMaxAttempts int           `envconfig:"MURMUR_RECONNECT_MAX_ATTEMPTS" default:"5"`

	// Session recovery
	MaxRetries   int           `envconfig:"MURMUR_MAX_RETRIES" default:"3"`
	RetryBackoff time.Duration `envconfig:"MURMUR_RETRY_BACKOFF" default:"2s"`
	RetryGrowth  float64       `envconfig:"MURMUR_RETRY_GROWTH" default:"1.5"`

	// Latency budgets
	ClipboardBudget time.Duration `envconfig:"MURMUR_CLIPBOARD_BUDGET" default:"500ms"`
	STTBudget       time.Duration `envconfig:"MURMUR_STT_BUDGET" default:"2s"`

	// Session history
	HistoryLimit int    `envconfig:"MURMUR_HISTORY_LIMIT" default:"100"`
	HistoryPath  string `envconfig:"MURMUR_HISTORY_PATH" default:""`

	// Behavior
	AutoPaste bool   `envconfig:"MURMUR_AUTOPASTE" default:"true"`
	LogLevel  string `envconfig:"MURMUR_LOG_LEVEL" default:"info"`
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ReconnectGrowth < 1.0 {
		return fmt.Errorf("MURMUR_RECONNECT_GROWTH must be >= 1.0, got %v", c.ReconnectGrowth)
	}
	if c.RetryGrowth < 1.0 {
		return fmt.Errorf("MURMUR_RETRY_GROWTH must be >= 1.0, got %v", c.RetryGrowth)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MURMUR_MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("MURMUR_HEARTBEAT_TIMEOUT (%v) must be shorter than MURMUR_HEARTBEAT_INTERVAL (%v)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("MURMUR_HISTORY_LIMIT must be >= 1, got %d", c.HistoryLimit)
	}
	return nil
}
