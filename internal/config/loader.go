package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ValidProviderNames lists known provider names per side of the relay.
// [Validate] warns about names not listed here.
var ValidProviderNames = map[string][]string{
	"generation": {"gemini", "openai", "openai-chat", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"synthesis":  {"elevenlabs", "coqui"},
}

// Environment variables consulted when a provider entry has no api_key.
const (
	EnvGenerationAPIKey = "GENAI_API_KEY"
	EnvSynthesisAPIKey  = "ELEVEN_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// api keys, applies defaults and validates the result. An empty document is
// a valid all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	resolveAPIKey(&cfg.Providers.Generation, EnvGenerationAPIKey)
	resolveAPIKey(&cfg.Providers.Synthesis, EnvSynthesisAPIKey)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveAPIKey(e *ProviderEntry, env string) {
	e.APIKey = os.ExpandEnv(e.APIKey)
	if e.APIKey == "" {
		e.APIKey = os.Getenv(env)
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found. Unknown provider names and
// styles only log a warning.
func Validate(cfg *Config) error {
	var errs []error

	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.TLS != nil && (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if s.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("server.ping_interval %s must not be negative", s.PingInterval))
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout %s must not be negative", s.WriteTimeout))
	}

	validateProviderName("generation", cfg.Providers.Generation.Name)
	validateProviderName("synthesis", cfg.Providers.Synthesis.Name)
	if cfg.Providers.Generation.Name == "" {
		errs = append(errs, errors.New("providers.generation.name is required"))
	}
	if cfg.Providers.Synthesis.Name == "" {
		errs = append(errs, errors.New("providers.synthesis.name is required"))
	}

	cv := cfg.Conversation
	if cv.Style != "" && !tts.Style(cv.Style).IsValid() {
		slog.Warn("unknown conversation.style, falling back to neutral", "style", cv.Style, "known", tts.Styles)
	}
	if cv.ReceiveTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation.receive_timeout %s must not be negative", cv.ReceiveTimeout))
	}
	if cv.MaxFragmentLength < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_fragment_length %d must not be negative", cv.MaxFragmentLength))
	}
	if cv.Temperature < 0 || cv.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", cv.Temperature))
	}
	if cv.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must not be negative", cv.MaxTokens))
	}

	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
