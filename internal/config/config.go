// Package config provides the configuration schema, loader, and provider
// registry for the Synapse collaboration orchestrator.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the orchestrator server.
// It is typically loaded from a YAML file using [Load].
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Store    StoreConfig        `yaml:"store"`
	Personas map[string]Persona `yaml:"personas"`
}

// Log level values accepted by [ServerConfig.LogLevel].
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// ServerConfig holds network and logging settings for the HTTP/SSE surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// Overridden at startup by the HOST/PORT environment variables if set.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// StoreConfig configures the persistent store backend.
type StoreConfig struct {
	// RedisURL is the connection string for the Redis-backed store. Empty
	// disables Redis entirely; the orchestrator then runs purely on the
	// in-process fallback map (see internal/store.Guarded).
	RedisURL string `yaml:"redis_url"`

	// SessionTTLSeconds is the TTL applied to session/memory/orchestrator
	// namespace keys. Defaults to 86400 (24h) when zero.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
}

// Persona describes one entry of the persona config map loaded at startup,
// keyed by model identifier in [Config.Personas].
type Persona struct {
	// Provider selects the provider kind: "openai", "anthropic", or "gemini".
	Provider string `yaml:"provider"`

	// ModelName is the concrete backend model (e.g., "gpt-4o", "claude-3-5-sonnet-20241022").
	ModelName string `yaml:"model_name"`

	// Role is a short human label shown in client UIs and used in system-notice text.
	Role string `yaml:"role"`

	// Icon is a display icon identifier (out of core scope beyond passthrough).
	Icon string `yaml:"icon"`

	// PromptPrefix is emitted as the persona's system turn ahead of conversation context.
	PromptPrefix string `yaml:"prompt_prefix"`

	// CollaborationStyle is a free-text hint surfaced to clients (out of core scope).
	CollaborationStyle string `yaml:"collaboration_style"`

	// ColorTheme is a display hint (out of core scope beyond passthrough).
	ColorTheme string `yaml:"color_theme"`
}

// validLogLevels enumerates accepted [ServerConfig.LogLevel] values.
var validLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validProviders enumerates accepted [Persona.Provider] values.
var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
}

// Load opens path and delegates to [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses and validates YAML configuration data.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Store.SessionTTLSeconds <= 0 {
		cfg.Store.SessionTTLSeconds = 86400
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
func Validate(cfg *Config) error {
	if !validLogLevels[cfg.Server.LogLevel] {
		return fmt.Errorf("config: server.log_level %q is not one of debug/info/warn/error", cfg.Server.LogLevel)
	}
	for id, p := range cfg.Personas {
		if p.Provider != "" && !validProviders[p.Provider] {
			return fmt.Errorf("config: personas[%s].provider %q is not one of openai/anthropic/gemini", id, p.Provider)
		}
	}
	return nil
}

// modelIdentifierAliases reverse-maps a handful of full backend model names
// to the canonical identifier used to key [Config.Personas], so a request
// naming the concrete model still resolves to its persona.
var modelIdentifierAliases = map[string]string{
	"gpt-4-0125-preview":         "gpt-4o",
	"gpt-4":                      "gpt-4",
	"claude-3-5-sonnet-20241022": "claude-3.5",
	"claude-3-sonnet-20240229":   "claude-3",
	"gemini-1.5-pro":             "gemini-1.5",
	"gemini-2.0-flash":           "gemini-2.0",
}

// CanonicalModelIdentifier resolves a raw model name to its canonical
// persona-map key, falling back to the raw name unchanged if no alias exists.
func CanonicalModelIdentifier(raw string) string {
	if id, ok := modelIdentifierAliases[raw]; ok {
		return id
	}
	return raw
}

// apiKeyEnvVars maps a provider kind to the environment variable that holds
// its API credential.
var apiKeyEnvVars = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GOOGLE_API_KEY",
}

// APIKeyFor returns the API key for provider (read from its environment
// variable) and whether one is configured.
func APIKeyFor(provider string) (string, bool) {
	envVar, ok := apiKeyEnvVars[provider]
	if !ok {
		return "", false
	}
	key := os.Getenv(envVar)
	return key, key != ""
}
