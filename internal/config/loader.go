package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/triviahost/internal/trivia"
)

// Provider names known to the built-in registry.
const (
	ProviderGeminiLive     = "gemini-live"
	ProviderGeminiGenAI    = "gemini-genai"
	ProviderOpenAIRealtime = "openai-realtime"
)

// ValidProviderNames lists the provider names [Validate] recognises. Unknown
// names only produce a warning so third-party registrations keep working.
var ValidProviderNames = []string{ProviderGeminiLive, ProviderGeminiGenAI, ProviderOpenAIRealtime}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":9090"
	DefaultProvider   = ProviderGeminiLive
	DefaultHost       = "quizmaster"
)

// credentialEnv lists the environment variables consulted, in order, for
// each provider when no api_key is configured.
var credentialEnv = map[string][]string{
	ProviderGeminiLive:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	ProviderGeminiGenAI:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	ProviderOpenAIRealtime: {"OPENAI_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Game.Host == "" {
		cfg.Game.Host = DefaultHost
	}
	if cfg.Game.Difficulty == "" {
		cfg.Game.Difficulty = trivia.DefaultSettings().Difficulty
	}
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = trivia.DefaultHosts()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName(cfg.Provider.Name)

	// Audio
	a := cfg.Audio
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.input_sample_rate", a.InputSampleRate},
		{"audio.output_sample_rate", a.OutputSampleRate},
		{"audio.block_size", a.BlockSize},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %d", f.name, f.v))
		}
	}
	if a.BlockSize > 0 && a.BlockSize&(a.BlockSize-1) != 0 {
		slog.Warn("audio.block_size is not a power of two", "block_size", a.BlockSize)
	}

	// Game
	if err := cfg.Game.Settings.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("game: %w", err))
	}

	// Hosts
	catalog, err := trivia.NewCatalog(cfg.Hosts)
	if err != nil {
		errs = append(errs, fmt.Errorf("hosts: %w", err))
	} else if cfg.Game.Host != "" {
		if _, err := catalog.Lookup(cfg.Game.Host); err != nil {
			errs = append(errs, fmt.Errorf("game.host: %w", err))
		}
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; game results are kept in memory only")
	}

	return errors.Join(errs...)
}

// ResolveAPIKey returns the configured credential, falling back to the
// provider's environment variables. It returns "" when none is set; the
// provider reports the missing key when a session is opened.
func ResolveAPIKey(entry ProviderEntry) string {
	if key := strings.TrimSpace(entry.APIKey); key != "" {
		return key
	}
	for _, name := range credentialEnv[entry.Name] {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return ""
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
