// Package config loads bridge settings from the environment, with an
// optional YAML file layered beneath it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type Config struct {
	// Agent service endpoint.
	AgentURL    string
	AgentAPIKey string
	AgentID     string

	// Per-user rate limiting.
	DailyQuota  int
	QuotaWindow time.Duration
	Cooldown    time.Duration

	// Turn and connection timing.
	ReplyTimeout   time.Duration
	AudioGrace     time.Duration
	ConnectTimeout time.Duration
	InitTimeout    time.Duration

	// ReadTimeout bounds the silence between inbound agent frames;
	// zero disables it.
	ReadTimeout time.Duration

	// Fallback speech synthesis for text-only agent sessions. Empty
	// key disables it.
	TTSAPIKey  string
	TTSVoice   string
	TTSBaseURL string

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string
}

func defaults() Config {
	return Config{
		DailyQuota:     15,
		QuotaWindow:    24 * time.Hour,
		Cooldown:       45 * time.Second,
		ReplyTimeout:   8 * time.Second,
		AudioGrace:     1200 * time.Millisecond,
		ConnectTimeout: 15 * time.Second,
		InitTimeout:    10 * time.Second,
	}
}

// fileConfig is the YAML schema. Durations are strings in
// time.ParseDuration syntax; absent fields keep their defaults.
type fileConfig struct {
	AgentURL       *string `yaml:"agent_url"`
	AgentAPIKey    *string `yaml:"agent_api_key"`
	AgentID        *string `yaml:"agent_id"`
	DailyQuota     *int    `yaml:"daily_quota"`
	QuotaWindow    *string `yaml:"quota_window"`
	Cooldown       *string `yaml:"cooldown"`
	ReplyTimeout   *string `yaml:"reply_timeout"`
	AudioGrace     *string `yaml:"audio_grace"`
	ConnectTimeout *string `yaml:"connect_timeout"`
	InitTimeout    *string `yaml:"init_timeout"`
	ReadTimeout    *string `yaml:"read_timeout"`
	TTSAPIKey      *string `yaml:"tts_api_key"`
	TTSVoice       *string `yaml:"tts_voice"`
	TTSBaseURL     *string `yaml:"tts_base_url"`
	MetricsAddr    *string `yaml:"metrics_addr"`
}

// LoadFromEnv builds the configuration from VOXBRIDGE_* variables over
// the built-in defaults.
func LoadFromEnv() (Config, error) {
	cfg := overlayEnv(defaults())
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile layers path's YAML beneath the environment: file values
// override defaults, environment variables override the file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.UnmarshalWithOptions(data, &fc, yaml.Strict()); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg, err := fc.apply(defaults())
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg = overlayEnv(cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg Config) (Config, error) {
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setString(&cfg.AgentURL, fc.AgentURL)
	setString(&cfg.AgentAPIKey, fc.AgentAPIKey)
	setString(&cfg.AgentID, fc.AgentID)
	setString(&cfg.TTSAPIKey, fc.TTSAPIKey)
	setString(&cfg.TTSVoice, fc.TTSVoice)
	setString(&cfg.TTSBaseURL, fc.TTSBaseURL)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	if fc.DailyQuota != nil {
		cfg.DailyQuota = *fc.DailyQuota
	}

	setDuration := func(dst *time.Duration, v *string, key string) error {
		if v == nil {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(*v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	for _, f := range []struct {
		dst *time.Duration
		v   *string
		key string
	}{
		{&cfg.QuotaWindow, fc.QuotaWindow, "quota_window"},
		{&cfg.Cooldown, fc.Cooldown, "cooldown"},
		{&cfg.ReplyTimeout, fc.ReplyTimeout, "reply_timeout"},
		{&cfg.AudioGrace, fc.AudioGrace, "audio_grace"},
		{&cfg.ConnectTimeout, fc.ConnectTimeout, "connect_timeout"},
		{&cfg.InitTimeout, fc.InitTimeout, "init_timeout"},
		{&cfg.ReadTimeout, fc.ReadTimeout, "read_timeout"},
	} {
		if err := setDuration(f.dst, f.v, f.key); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func overlayEnv(cfg Config) Config {
	cfg.AgentURL = envOr("VOXBRIDGE_AGENT_URL", cfg.AgentURL)
	cfg.AgentAPIKey = envOr("VOXBRIDGE_AGENT_API_KEY", cfg.AgentAPIKey)
	cfg.AgentID = envOr("VOXBRIDGE_AGENT_ID", cfg.AgentID)
	cfg.DailyQuota = envIntOr("VOXBRIDGE_DAILY_QUOTA", cfg.DailyQuota)
	cfg.QuotaWindow = envDurationOr("VOXBRIDGE_QUOTA_WINDOW", cfg.QuotaWindow)
	cfg.Cooldown = envDurationOr("VOXBRIDGE_COOLDOWN", cfg.Cooldown)
	cfg.ReplyTimeout = envDurationOr("VOXBRIDGE_REPLY_TIMEOUT", cfg.ReplyTimeout)
	cfg.AudioGrace = envDurationOr("VOXBRIDGE_AUDIO_GRACE", cfg.AudioGrace)
	cfg.ConnectTimeout = envDurationOr("VOXBRIDGE_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.InitTimeout = envDurationOr("VOXBRIDGE_INIT_TIMEOUT", cfg.InitTimeout)
	cfg.ReadTimeout = envDurationOr("VOXBRIDGE_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.TTSAPIKey = envOr("VOXBRIDGE_TTS_API_KEY", cfg.TTSAPIKey)
	cfg.TTSVoice = envOr("VOXBRIDGE_TTS_VOICE", cfg.TTSVoice)
	cfg.TTSBaseURL = envOr("VOXBRIDGE_TTS_BASE_URL", cfg.TTSBaseURL)
	cfg.MetricsAddr = envOr("VOXBRIDGE_METRICS_ADDR", cfg.MetricsAddr)
	return cfg
}

func (c Config) validate() error {
	if strings.TrimSpace(c.AgentURL) == "" {
		return fmt.Errorf("VOXBRIDGE_AGENT_URL must be set")
	}
	if c.DailyQuota <= 0 {
		return fmt.Errorf("VOXBRIDGE_DAILY_QUOTA must be > 0")
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("VOXBRIDGE_QUOTA_WINDOW must be > 0")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("VOXBRIDGE_COOLDOWN must be >= 0")
	}
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("VOXBRIDGE_REPLY_TIMEOUT must be > 0")
	}
	if c.AudioGrace <= 0 {
		return fmt.Errorf("VOXBRIDGE_AUDIO_GRACE must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("VOXBRIDGE_CONNECT_TIMEOUT must be > 0")
	}
	if c.InitTimeout <= 0 {
		return fmt.Errorf("VOXBRIDGE_INIT_TIMEOUT must be > 0")
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("VOXBRIDGE_READ_TIMEOUT must be >= 0")
	}
	if c.TTSAPIKey != "" && strings.TrimSpace(c.TTSVoice) == "" {
		return fmt.Errorf("VOXBRIDGE_TTS_VOICE must be set when VOXBRIDGE_TTS_API_KEY is set")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
