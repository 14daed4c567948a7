// Package config loads the gateway settings from defaults, an optional config file and
// the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	HistoryBackendFile = "file"
	HistoryBackendBolt = "bolt"

	LLMBackendOpenAI = "openai"
	LLMBackendGemini = "gemini"
)

type Config struct {
	Addr     string
	DataRoot string

	History HistoryConfig
	LLM     LLMConfig
	Gemini  GeminiConfig
	Image   ImageConfig
	Speech  SpeechConfig
	TTS     TTSConfig
	Audio   AudioConfig
	Auth    AuthConfig
	HTTP    HTTPConfig
}

type HistoryConfig struct {
	Backend string
}

type LLMConfig struct {
	Backend      string
	APIKey       string
	BaseURL      string
	Model        string
	VisionModel  string
	Persona      string
	ChunkTimeout time.Duration
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	VisionModel string
}

type ImageConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
}

type SpeechConfig struct {
	Enabled     bool
	Language    string
	AltLanguage string
}

type TTSConfig struct {
	Enabled  bool
	Language string
	Voice    string
}

type AudioConfig struct {
	MaxBytes    int64
	MaxDuration time.Duration
}

type AuthConfig struct {
	Secret    string
	APIKey    string
	APISecret string
	Expiry    time.Duration
}

type HTTPConfig struct {
	// RateLimit is the global request rate per client IP, in requests per second.
	RateLimit     float64
	MaxConcurrent int
	BodyLimit     string
}

// SetDefaults registers every key with its default so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("data_root", "data")

	v.SetDefault("history.backend", HistoryBackendFile)

	v.SetDefault("llm.backend", LLMBackendOpenAI)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1/")
	v.SetDefault("llm.model", "qwen-omni-turbo")
	v.SetDefault("llm.vision_model", "qwen-vl-max")
	v.SetDefault("llm.persona", "")
	v.SetDefault("llm.chunk_timeout", 60*time.Second)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.0-flash-001")
	v.SetDefault("gemini.vision_model", "")

	v.SetDefault("image.api_key", "")
	v.SetDefault("image.base_url", "https://api.openai.com/v1/")
	v.SetDefault("image.model", "dall-e-3")
	v.SetDefault("image.size", "1024x1024")

	v.SetDefault("speech.enabled", true)
	v.SetDefault("speech.language", "zh-CN")
	v.SetDefault("speech.alt_language", "en-US")

	v.SetDefault("tts.enabled", true)
	v.SetDefault("tts.language", "cmn-CN")
	v.SetDefault("tts.voice", "")

	v.SetDefault("audio.max_bytes", int64(10<<20))
	v.SetDefault("audio.max_duration", 60*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.api_secret", "")
	v.SetDefault("auth.expiry", 24*time.Hour)

	v.SetDefault("http.rate_limit", 20.0)
	v.SetDefault("http.max_concurrent", 10)
	v.SetDefault("http.body_limit", "16M")
}

// BindEnv maps PERSONA_<SECTION>_<KEY> for every key, plus the conventional provider
// variables.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("persona")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string][]string{
		"llm.api_key":     {"PERSONA_LLM_API_KEY", "DASHSCOPE_API_KEY", "OPENAI_API_KEY"},
		"llm.base_url":    {"PERSONA_LLM_BASE_URL", "OPENAI_BASE_URL"},
		"gemini.api_key":  {"PERSONA_GEMINI_API_KEY", "GEMINI_API_KEY"},
		"image.api_key":   {"PERSONA_IMAGE_API_KEY", "OPENAI_API_KEY"},
		"auth.jwt_secret": {"PERSONA_AUTH_JWT_SECRET", "JWT_SECRET"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the resolved settings out of v and validates them.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Addr:     v.GetString("addr"),
		DataRoot: v.GetString("data_root"),
		History: HistoryConfig{
			Backend: strings.ToLower(v.GetString("history.backend")),
		},
		LLM: LLMConfig{
			Backend:      strings.ToLower(v.GetString("llm.backend")),
			APIKey:       v.GetString("llm.api_key"),
			BaseURL:      v.GetString("llm.base_url"),
			Model:        v.GetString("llm.model"),
			VisionModel:  v.GetString("llm.vision_model"),
			Persona:      v.GetString("llm.persona"),
			ChunkTimeout: v.GetDuration("llm.chunk_timeout"),
		},
		Gemini: GeminiConfig{
			APIKey:      v.GetString("gemini.api_key"),
			Model:       v.GetString("gemini.model"),
			VisionModel: v.GetString("gemini.vision_model"),
		},
		Image: ImageConfig{
			APIKey:  v.GetString("image.api_key"),
			BaseURL: v.GetString("image.base_url"),
			Model:   v.GetString("image.model"),
			Size:    v.GetString("image.size"),
		},
		Speech: SpeechConfig{
			Enabled:     v.GetBool("speech.enabled"),
			Language:    v.GetString("speech.language"),
			AltLanguage: v.GetString("speech.alt_language"),
		},
		TTS: TTSConfig{
			Enabled:  v.GetBool("tts.enabled"),
			Language: v.GetString("tts.language"),
			Voice:    v.GetString("tts.voice"),
		},
		Audio: AudioConfig{
			MaxBytes:    v.GetInt64("audio.max_bytes"),
			MaxDuration: v.GetDuration("audio.max_duration"),
		},
		Auth: AuthConfig{
			Secret:    v.GetString("auth.jwt_secret"),
			APIKey:    v.GetString("auth.api_key"),
			APISecret: v.GetString("auth.api_secret"),
			Expiry:    v.GetDuration("auth.expiry"),
		},
		HTTP: HTTPConfig{
			RateLimit:     v.GetFloat64("http.rate_limit"),
			MaxConcurrent: v.GetInt("http.max_concurrent"),
			BodyLimit:     v.GetString("http.body_limit"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.History.Backend {
	case HistoryBackendFile, HistoryBackendBolt:
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}

	switch c.LLM.Backend {
	case LLMBackendOpenAI:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for the %s backend (DASHSCOPE_API_KEY or OPENAI_API_KEY)", LLMBackendOpenAI)
		}
	case LLMBackendGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("gemini.api_key is required for the %s backend (GEMINI_API_KEY)", LLMBackendGemini)
		}
	default:
		return fmt.Errorf("unknown llm backend %q", c.LLM.Backend)
	}

	if c.DataRoot == "" {
		return fmt.Errorf("data_root must not be empty")
	}
	if c.LLM.ChunkTimeout <= 0 {
		return fmt.Errorf("llm.chunk_timeout must be positive")
	}
	if c.Auth.Secret != "" && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth.jwt_secret is set")
	}
	return nil
}
