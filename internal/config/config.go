// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the voxrelay server.
package config

import (
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultPingInterval      = 20 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReceiveTimeout    = 30 * time.Second
	DefaultMaxFragmentLength = 250
	DefaultMaxFailures       = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultGenerationName    = "gemini"
	DefaultGenerationModel   = "gemini-1.5-flash"
	DefaultSynthesisName     = "elevenlabs"
	DefaultSystemPrompt      = "You are a friendly conversational companion. Keep your answers short and natural to speak aloud."
	DefaultGreeting          = "Hello! I am your AI friend. Let's have a chat."
	DefaultFarewell          = "Goodbye! It was nice talking to you."
	DefaultApology           = "Sorry, something went wrong. Please say that again."
	DefaultVoiceID           = "21m00Tcm4TlvDq8ikWAM"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// PingInterval is the WebSocket keep-alive period.
	PingInterval time.Duration `yaml:"ping_interval"`

	// WriteTimeout bounds each outbound WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AllowedOrigins lists cross-origin hosts allowed to open a session
	// (patterns as understood by path.Match). Same-origin is always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the backend for each side of the relay. Each entry
// names a provider registered in the [Registry].
type ProvidersConfig struct {
	Generation ProviderEntry `yaml:"generation"`
	Synthesis  ProviderEntry `yaml:"synthesis"`
}

// ProviderEntry is the common configuration block shared by all providers.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini",
	// "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig holds the texts and limits applied to every session.
// Everything except VoiceID and the timeouts is hot-reloadable.
type ConversationConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	Greeting     string `yaml:"greeting"`
	Farewell     string `yaml:"farewell"`
	Apology      string `yaml:"apology"`

	// VoiceID is the synthesis voice.
	VoiceID string `yaml:"voice_id"`

	// Style is the default delivery style. Unknown values fall back to neutral.
	Style string `yaml:"style"`

	// ReceiveTimeout bounds each wait for a backend unit.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// MaxFragmentLength bounds one synthesis text unit, in characters.
	MaxFragmentLength int `yaml:"max_fragment_length"`

	// Temperature and MaxTokens tune generation. Zero keeps provider defaults.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ParsedStyle returns Style as a [tts.Style].
func (c ConversationConfig) ParsedStyle() tts.Style {
	return tts.ParseStyle(c.Style)
}

// ResilienceConfig tunes the circuit breaker in front of each backend.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects calls before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	s := &c.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.PingInterval <= 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}

	if c.Providers.Generation.Name == "" {
		c.Providers.Generation.Name = DefaultGenerationName
	}
	if c.Providers.Generation.Name == DefaultGenerationName && c.Providers.Generation.Model == "" {
		c.Providers.Generation.Model = DefaultGenerationModel
	}
	if c.Providers.Synthesis.Name == "" {
		c.Providers.Synthesis.Name = DefaultSynthesisName
	}

	cv := &c.Conversation
	if cv.SystemPrompt == "" {
		cv.SystemPrompt = DefaultSystemPrompt
	}
	if cv.Greeting == "" {
		cv.Greeting = DefaultGreeting
	}
	if cv.Farewell == "" {
		cv.Farewell = DefaultFarewell
	}
	if cv.Apology == "" {
		cv.Apology = DefaultApology
	}
	if cv.VoiceID == "" {
		cv.VoiceID = DefaultVoiceID
	}
	if cv.Style == "" {
		cv.Style = string(tts.StyleNeutral)
	}
	if cv.ReceiveTimeout <= 0 {
		cv.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cv.MaxFragmentLength <= 0 {
		cv.MaxFragmentLength = DefaultMaxFragmentLength
	}

	if c.Resilience.MaxFailures <= 0 {
		c.Resilience.MaxFailures = DefaultMaxFailures
	}
	if c.Resilience.ResetTimeout <= 0 {
		c.Resilience.ResetTimeout = DefaultResetTimeout
	}
}
