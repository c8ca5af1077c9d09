package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	LLM        LLMConfig
	Image      ImageConfig
	Voice      VoiceConfig
	Speech     SpeechConfig
	App        AppConfig
	Enrichment EnrichmentConfig
	Playback   PlaybackConfig
	Log        LogConfig
	Client     ClientConfig
}

type ServerConfig struct {
	Port int
	Bind string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL         string
	APIKey          string
	GenerationModel string
	ChatModel       string
}

type ImageConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type VoiceConfig struct {
	BaseURL  string
	APIKey   string
	TTSModel string
}

type SpeechConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// AppConfig holds deployment-level settings.
type AppConfig struct {
	BaseURL string // used for server-to-server callbacks and printed links
	Env     string // "production" or "development"
}

type EnrichmentConfig struct {
	PollInterval string
	Concurrency  int
	Lease        string
}

type PlaybackConfig struct {
	VoiceEnabled   bool
	PlayerCommand  string
	CacheSize      int
	RevealInterval string
}

type LogConfig struct {
	Level string
}

// ClientConfig is used by CLI commands that talk to a running server.
type ClientConfig struct {
	ServerURL string
	Token     string
}

// IsDevelopment reports whether dev-only endpoints are enabled.
func (c AppConfig) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

func (c EnrichmentConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 2*time.Second)
}

func (c EnrichmentConfig) LeaseDuration() time.Duration {
	return parseDuration(c.Lease, 5*time.Minute)
}

func (c PlaybackConfig) RevealIntervalDuration() time.Duration {
	return parseDuration(c.RevealInterval, 1200*time.Millisecond)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
			Bind: "127.0.0.1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			GenerationModel: "anthropic/claude-3.5-sonnet",
			ChatModel:       "openai/gpt-4o-mini",
		},
		Image: ImageConfig{
			BaseURL: "https://fal.run",
			Model:   "fal-ai/flux-lora",
		},
		Voice: VoiceConfig{
			BaseURL:  "https://api.elevenlabs.io/v1",
			TTSModel: "eleven_multilingual_v2",
		},
		Speech: SpeechConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "whisper-1",
		},
		App: AppConfig{
			BaseURL: "http://127.0.0.1:4100",
			Env:     "production",
		},
		Enrichment: EnrichmentConfig{
			PollInterval: "2s",
			Concurrency:  3,
			Lease:        "5m",
		},
		Playback: PlaybackConfig{
			VoiceEnabled:   true,
			PlayerCommand:  "ffplay -nodisp -autoexit -loglevel quiet -",
			CacheSize:      64,
			RevealInterval: "1200ms",
		},
		Log: LogConfig{
			Level: "info",
		},
		Client: ClientConfig{
			ServerURL: "http://127.0.0.1:4100",
		},
	}
}

// Load reads configuration from the JSON config file, the secrets file and
// environment variables, in increasing order of precedence.
//
// The config file lives at $XDG_CONFIG_HOME/council/config.json. Secrets
// (API keys, client token) are never read from it; they come from
// COUNCIL_* environment variables or $XDG_DATA_HOME/council/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretReader abstracts the secrets store for testing.
type secretReader interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, sr secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applySecrets(&cfg, sr)
	applyEnvOverrides(&cfg)

	return cfg, nil
}

// RequireServerSecrets returns an error naming the first secret the server
// cannot start without.
func (c Config) RequireServerSecrets() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. " +
			"Set it via environment variable COUNCIL_LLM_API_KEY or `council config set-secret llm.api_key`")
	}
	return nil
}
