package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COUNCIL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "COUNCIL_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COUNCIL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.base_url", typ: kString, env: "COUNCIL_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "COUNCIL_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.generation_model", typ: kString, env: "COUNCIL_LLM_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.GenerationModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GenerationModel },
	},
	{
		key: "llm.chat_model", typ: kString, env: "COUNCIL_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "image.base_url", typ: kString, env: "COUNCIL_IMAGE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Image.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Image.BaseURL },
	},
	{
		key: "image.api_key", typ: kString, env: "COUNCIL_IMAGE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Image.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Image.APIKey },
	},
	{
		key: "image.model", typ: kString, env: "COUNCIL_IMAGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Image.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Image.Model },
	},
	{
		key: "voice.base_url", typ: kString, env: "COUNCIL_VOICE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Voice.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Voice.BaseURL },
	},
	{
		key: "voice.api_key", typ: kString, env: "COUNCIL_VOICE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Voice.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Voice.APIKey },
	},
	{
		key: "voice.tts_model", typ: kString, env: "COUNCIL_VOICE_TTS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Voice.TTSModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Voice.TTSModel },
	},
	{
		key: "speech.base_url", typ: kString, env: "COUNCIL_STT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Speech.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.BaseURL },
	},
	{
		key: "speech.api_key", typ: kString, env: "COUNCIL_STT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Speech.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.APIKey },
	},
	{
		key: "speech.model", typ: kString, env: "COUNCIL_STT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Model },
	},
	{
		key: "app.base_url", typ: kString, env: "COUNCIL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.App.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.App.BaseURL },
	},
	{
		key: "app.env", typ: kString, env: "COUNCIL_ENV",
		apply:   func(cfg *Config, v any) { cfg.App.Env = v.(string) },
		extract: func(cfg Config) any { return cfg.App.Env },
	},
	{
		key: "enrichment.poll_interval", typ: kString, env: "COUNCIL_ENRICHMENT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.PollInterval },
	},
	{
		key: "enrichment.concurrency", typ: kInt, env: "COUNCIL_ENRICHMENT_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Enrichment.Concurrency },
	},
	{
		key: "enrichment.lease", typ: kString, env: "COUNCIL_ENRICHMENT_LEASE",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Lease = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.Lease },
	},
	{
		key: "playback.voice_enabled", typ: kBool, env: "COUNCIL_VOICE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Playback.VoiceEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Playback.VoiceEnabled },
	},
	{
		key: "playback.player_command", typ: kString, env: "COUNCIL_PLAYER_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Playback.PlayerCommand = v.(string) },
		extract: func(cfg Config) any { return cfg.Playback.PlayerCommand },
	},
	{
		key: "playback.cache_size", typ: kInt, env: "COUNCIL_PLAYBACK_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Playback.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Playback.CacheSize },
	},
	{
		key: "playback.reveal_interval", typ: kString, env: "COUNCIL_PLAYBACK_REVEAL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Playback.RevealInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Playback.RevealInterval },
	},
	{
		key: "log.level", typ: kString, env: "COUNCIL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "client.server_url", typ: kString, env: "COUNCIL_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.ServerURL },
	},
	{
		key: "client.token", typ: kString, env: "COUNCIL_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Client.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.Token },
	},
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applySecrets(cfg *Config, sr secretReader) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := sr.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
