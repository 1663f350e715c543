package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/triviahost/internal/config"
	"github.com/MrWong99/triviahost/internal/trivia"
)

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: "127.0.0.1:9100"
  log_level: debug
provider:
  name: openai-realtime
  api_key: sk-test
  model: gpt-4o-realtime-preview
  transcription: true
audio:
  input_sample_rate: 24000
  block_size: 2048
  echo_cancellation: false
  ffmpeg_path: /usr/local/bin/ffmpeg
game:
  host: Captain Barnacle
  topic: the solar system
  difficulty: hard
  questions: 5
store:
  postgres_dsn: postgres://localhost/trivia
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9100" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Name != "openai-realtime" || cfg.Provider.APIKey != "sk-test" || !cfg.Provider.Transcription {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Audio.InputSampleRate != 24000 || cfg.Audio.BlockSize != 2048 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.EchoCancellation == nil || *cfg.Audio.EchoCancellation {
		t.Error("echo_cancellation: false was not decoded")
	}
	if cfg.Audio.NoiseSuppression != nil {
		t.Error("unset noise_suppression should stay nil")
	}
	want := trivia.Settings{Topic: "the solar system", Difficulty: trivia.Hard, Questions: 5}
	if cfg.Game.Host != "Captain Barnacle" || cfg.Game.Settings != want {
		t.Errorf("game = %+v", cfg.Game)
	}
	if cfg.Store.PostgresDSN != "postgres://localhost/trivia" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if len(cfg.Hosts) != len(trivia.DefaultHosts()) {
		t.Errorf("hosts = %d, want built-in defaults", len(cfg.Hosts))
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Provider.Name != config.DefaultProvider {
		t.Errorf("provider = %q", cfg.Provider.Name)
	}
	if cfg.Game.Host != config.DefaultHost || cfg.Game.Difficulty != trivia.Medium {
		t.Errorf("game = %+v", cfg.Game)
	}
	if cfg.Server.ListenAddr != "" {
		t.Errorf("listen_addr = %q; the status server is opt-in", cfg.Server.ListenAddr)
	}
}

func TestLoadFromReader_CustomHosts(t *testing.T) {
	t.Parallel()
	yaml := `
hosts:
  - id: gran
    name: Granny Marple
    voice: Aoede
    persona: A sharp-eyed grandmother.
game:
  host: granny marpel
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(cfg.Hosts) != 1 || cfg.Hosts[0].Voice != "Aoede" {
		t.Errorf("hosts = %+v", cfg.Hosts)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  port: 80\n"))
	if err == nil || !strings.Contains(err.Error(), "decode yaml") {
		t.Errorf("error = %v, want decode failure for unknown field", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{"log level", "server:\n  log_level: loud\n", []string{"server.log_level"}},
		{"tls half", "server:\n  tls:\n    cert_file: a.pem\n", []string{"cert_file and key_file"}},
		{"negative rate", "audio:\n  output_sample_rate: -1\n", []string{"audio.output_sample_rate"}},
		{"difficulty", "game:\n  difficulty: brutal\n", []string{"game:", "difficulty"}},
		{"questions", "game:\n  questions: -2\n", []string{"questions must be >= 0"}},
		{"unknown host", "game:\n  host: zorblax\n", []string{"game.host", "zorblax"}},
		{"duplicate host", `
hosts:
  - {id: a, name: A, voice: Puck}
  - {id: a, name: B, voice: Kore}
game:
  host: a
`, []string{"hosts:"}},
		{"several", "server:\n  log_level: loud\ngame:\n  questions: -1\n", []string{"server.log_level", "questions"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q should mention %q", err, w)
				}
			}
		})
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("provider:\n  name: acme-voice\n")); err != nil {
		t.Errorf("unknown provider name should not fail validation: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "triviahost.yaml")
	if err := os.WriteFile(path, []byte("game:\n  topic: rivers\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Game.Topic != "rivers" {
		t.Errorf("topic = %q", cfg.Game.Topic)
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load missing = %v, want ErrNotExist", err)
	}
}

// ResolveAPIKey reads process environment, so these tests do not run in parallel.

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load(example.yaml): %v", err)
	}
	if cfg.Provider.Name != config.ProviderGeminiLive {
		t.Errorf("provider = %q, want %q", cfg.Provider.Name, config.ProviderGeminiLive)
	}
	if cfg.Game.Host != "quizmaster" || cfg.Game.Difficulty != trivia.Medium {
		t.Errorf("game = %+v, want quizmaster/medium", cfg.Game)
	}
	if cfg.Audio.EchoCancellation == nil || !*cfg.Audio.EchoCancellation {
		t.Error("echo_cancellation not parsed as true")
	}
	if cfg.Store.PostgresDSN != "" {
		t.Errorf("postgres_dsn = %q, want empty", cfg.Store.PostgresDSN)
	}
}

func TestResolveAPIKey_ConfigWins(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")
	got := config.ResolveAPIKey(config.ProviderEntry{Name: config.ProviderGeminiLive, APIKey: " from-file "})
	if got != "from-file" {
		t.Errorf("ResolveAPIKey = %q", got)
	}
}

func TestResolveAPIKey_EnvFallback(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		env      map[string]string
		want     string
	}{
		{"gemini primary", config.ProviderGeminiLive, map[string]string{"GEMINI_API_KEY": "g1", "GOOGLE_API_KEY": "g2"}, "g1"},
		{"gemini secondary", config.ProviderGeminiGenAI, map[string]string{"GEMINI_API_KEY": "", "GOOGLE_API_KEY": "g2"}, "g2"},
		{"openai", config.ProviderOpenAIRealtime, map[string]string{"OPENAI_API_KEY": "sk"}, "sk"},
		{"openai ignores gemini", config.ProviderOpenAIRealtime, map[string]string{"OPENAI_API_KEY": "", "GEMINI_API_KEY": "g1"}, ""},
		{"whitespace only", config.ProviderGeminiLive, map[string]string{"GEMINI_API_KEY": "  ", "GOOGLE_API_KEY": ""}, ""},
		{"unknown provider", "acme", map[string]string{"GEMINI_API_KEY": "g1"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if got := config.ResolveAPIKey(config.ProviderEntry{Name: tc.provider}); got != tc.want {
				t.Errorf("ResolveAPIKey = %q, want %q", got, tc.want)
			}
		})
	}
}
