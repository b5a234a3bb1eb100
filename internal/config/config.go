package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bridge configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	STT     STTConfig     `yaml:"stt"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the HTTP/WebSocket server configuration.
type ServerConfig struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	PublicHost string `yaml:"public_host"` // host advertised in the webhook stream URL
}

// AudioConfig contains audio format parameters for both playback targets.
type AudioConfig struct {
	TelephonySampleRate int `yaml:"telephony_sample_rate"` // Hz, companded inbound/outbound
	BlockSampleRate     int `yaml:"block_sample_rate"`     // Hz, linear16 single-block playback
	ChunkMs             int `yaml:"chunk_ms"`              // paced playback chunk duration
	SpeechRMSThreshold  int `yaml:"speech_rms_threshold"`  // debug speech-activity log threshold
}

// SessionConfig contains per-call turn-taking parameters.
type SessionConfig struct {
	DebounceMs  int `yaml:"debounce_ms"`  // quiet period before an utterance flush
	HistoryMax  int `yaml:"history_max"`  // conversation history entries kept (user+assistant)
	IdleTimeout int `yaml:"idle_timeout"` // seconds; reap sessions with no traffic for this long
}

// GetIdleTimeout returns the idle timeout as a time.Duration.
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// STTConfig contains the live transcription engine configuration.
type STTConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Language  string `yaml:"language"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// LLMConfig contains the response generation engine configuration.
type LLMConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	MaxTokens     int    `yaml:"max_tokens"`
	SystemPrompt  string `yaml:"system_prompt"`
	TimeoutMs     int    `yaml:"timeout_ms"`
}

// TTSConfig contains the speech synthesis engine configuration.
type TTSConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	Voice     string `yaml:"voice"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with the defaults the bridge runs with
// when no file and no environment overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Audio: AudioConfig{
			TelephonySampleRate: 8000,
			BlockSampleRate:     16000,
			ChunkMs:             20,
			SpeechRMSThreshold:  500,
		},
		Session: SessionConfig{
			DebounceMs:  1500,
			HistoryMax:  10,
			IdleTimeout: 300,
		},
		STT: STTConfig{
			Model:     "nova-3",
			Language:  "en-US",
			TimeoutMs: 10000,
		},
		LLM: LLMConfig{
			MaxTokens: 150,
			TimeoutMs: 30000,
		},
		TTS: TTSConfig{
			Voice:     "aura-asteria-en",
			TimeoutMs: 10000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variable overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Only a handful of
// operationally interesting knobs are exposed this way; everything else is
// file-driven.
func (c *Config) applyEnv() {
	setStr(&c.Server.Address, "BIND_ADDRESS")
	setInt(&c.Server.Port, "PORT")
	setStr(&c.Server.PublicHost, "PUBLIC_HOST")

	setStr(&c.STT.URL, "STT_URL")
	setStr(&c.STT.APIKey, "STT_API_KEY")
	setStr(&c.STT.Model, "STT_MODEL")
	setStr(&c.STT.Language, "STT_LANGUAGE")

	setStr(&c.LLM.BaseURL, "OPENAI_BASE_URL")
	setStr(&c.LLM.APIKey, "OPENAI_API_KEY")
	setStr(&c.LLM.Model, "OPENAI_MODEL")
	setStr(&c.LLM.FallbackModel, "OPENAI_FALLBACK_MODEL")
	setInt(&c.LLM.MaxTokens, "LLM_MAX_TOKENS")
	setStr(&c.LLM.SystemPrompt, "LLM_SYSTEM_PROMPT")

	setStr(&c.TTS.URL, "TTS_URL")
	setStr(&c.TTS.APIKey, "TTS_API_KEY")
	setStr(&c.TTS.Voice, "TTS_VOICE")

	setInt(&c.Session.DebounceMs, "DEBOUNCE_MS")
	setStr(&c.Logging.Level, "LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks server parameters.
func (s *ServerConfig) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.Address == "" {
		return fmt.Errorf("bind address must not be empty")
	}
	return nil
}

// Validate checks audio parameters.
func (a *AudioConfig) Validate() error {
	if a.TelephonySampleRate <= 0 {
		return fmt.Errorf("telephony_sample_rate must be positive, got %d", a.TelephonySampleRate)
	}
	if a.BlockSampleRate <= 0 {
		return fmt.Errorf("block_sample_rate must be positive, got %d", a.BlockSampleRate)
	}
	if a.ChunkMs <= 0 {
		return fmt.Errorf("chunk_ms must be positive, got %d", a.ChunkMs)
	}
	return nil
}

// Validate checks session parameters.
func (s *SessionConfig) Validate() error {
	if s.DebounceMs <= 0 {
		return fmt.Errorf("debounce_ms must be positive, got %d", s.DebounceMs)
	}
	if s.HistoryMax <= 0 || s.HistoryMax%2 != 0 {
		return fmt.Errorf("history_max must be a positive even number, got %d", s.HistoryMax)
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}
	return nil
}

// Validate checks logging parameters.
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q", l.Level)
}
