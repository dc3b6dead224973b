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
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"duplex":     {"ultravox"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding, so
// secrets like API keys can live outside the file. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("duplex", cfg.Providers.Duplex.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Mode ↔ provider cross-validation
	if cfg.Mode != "" && !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: bridge, cascade", cfg.Mode))
	}
	switch cfg.Mode {
	case ModeBridge:
		if cfg.Providers.Duplex.Name == "" {
			errs = append(errs, errors.New("mode \"bridge\" requires a duplex provider but providers.duplex is not configured"))
		}
	case ModeCascade:
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("mode \"cascade\" requires an STT provider but providers.stt is not configured"))
		}
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("mode \"cascade\" requires an LLM provider but providers.llm is not configured"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("mode \"cascade\" requires a TTS provider but providers.tts is not configured"))
		}
	}

	// Transport
	if cfg.Transport.Codec != "" && !cfg.Transport.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("transport.codec %q is invalid; valid values: pcm, opus", cfg.Transport.Codec))
	}
	if cfg.Transport.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("transport.sample_rate %d is negative", cfg.Transport.SampleRate))
	}
	if cfg.Transport.Channels != 0 && cfg.Transport.Channels != 1 && cfg.Transport.Channels != 2 {
		errs = append(errs, fmt.Errorf("transport.channels %d is invalid; valid values: 1, 2", cfg.Transport.Channels))
	}

	// Embeddings ↔ knowledge dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to 1536")
	}

	// Knowledge availability
	if cfg.Knowledge.PostgresDSN == "" && cfg.Providers.Embeddings.Name != "" {
		slog.Warn("knowledge.postgres_dsn is empty; semantic retrieval will not be available")
	}
	if cfg.Knowledge.TopK < 0 {
		errs = append(errs, fmt.Errorf("knowledge.top_k %d is negative", cfg.Knowledge.TopK))
	}
	if cfg.Knowledge.UpdateInterval < 0 {
		errs = append(errs, fmt.Errorf("knowledge.update_interval %s is negative", cfg.Knowledge.UpdateInterval))
	}

	// Reward persistence
	if cfg.Reward.RedisAddr == "" {
		slog.Warn("reward.redis_addr is empty; learned rewards will not survive restarts")
	}

	// Actuator
	if cfg.Actuator.Transport != "" {
		if !cfg.Actuator.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("actuator.transport %q is invalid; valid values: stdio, http", cfg.Actuator.Transport))
		}
		if cfg.Actuator.Transport == "stdio" && cfg.Actuator.Command == "" {
			errs = append(errs, errors.New("actuator.command is required when transport is stdio"))
		}
		if cfg.Actuator.Transport == "http" && cfg.Actuator.URL == "" {
			errs = append(errs, errors.New("actuator.url is required when transport is http"))
		}
	}

	// Bridge resilience
	if cfg.Bridge.RedialMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("bridge.redial_max_retries %d is negative", cfg.Bridge.RedialMaxRetries))
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
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
