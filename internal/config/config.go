// Package config loads process settings from the environment, reading a
// .env file first when one is present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/llm"
)

// ProviderConfig holds one LLM backend's credentials.
type ProviderConfig struct {
	APIKey string
	Model  string
}

// Config holds application configuration.
type Config struct {
	Env           string
	HTTPAddress   string
	PublicBaseURL string
	AuthToken     string
	CORSOrigins   []string

	RateLimitRPS   float64
	RateLimitBurst int

	DefaultProvider llm.Provider
	Providers       map[llm.Provider]ProviderConfig
	Temperature     float64
	MaxTokens       int

	RedisURL    string
	PostgresDSN string

	SupabaseURL        string
	SupabaseKey        string
	SupabaseServiceKey string
	SupabaseBucket     string
	UploadDir          string

	VoyageKey      string
	EmbeddingModel string

	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModel     string
	AssemblyAIKey     string
	ICEServersJSON    string

	TwilioAccountSID string
	TwilioAuthToken  string

	CaptureInterval  time.Duration
	NarrationTimeout time.Duration
	TesseractLang    string
}

// Load reads environment variables and returns Config with sane defaults.
// Missing credentials only produce warnings; the matching feature is
// disabled at wiring time.
func Load(logger zerolog.Logger) Config {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("no .env file loaded")
	}

	cfg := Config{
		Env:           getEnv("APP_ENV", "development"),
		HTTPAddress:   httpAddress(),
		PublicBaseURL: os.Getenv("BASE_URL"),
		AuthToken:     os.Getenv("API_AUTH_TOKEN"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),

		RateLimitRPS:   getFloat(logger, "RATE_LIMIT_RPS", 5),
		RateLimitBurst: getInt(logger, "RATE_LIMIT_BURST", 20),

		Temperature: getFloat(logger, "AI_TEMPERATURE", 0.7),
		MaxTokens:   getInt(logger, "AI_MAX_TOKENS", 1000),
		Providers: map[llm.Provider]ProviderConfig{
			llm.ProviderOpenAI:    {APIKey: os.Getenv("OPENAI_API_KEY"), Model: getEnv("OPENAI_MODEL", "gpt-4o-mini")},
			llm.ProviderAnthropic: {APIKey: os.Getenv("ANTHROPIC_API_KEY"), Model: getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")},
			llm.ProviderCerebras:  {APIKey: os.Getenv("CEREBRAS_API_KEY"), Model: getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b")},
		},

		RedisURL:    os.Getenv("REDIS_URL"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseKey:        os.Getenv("SUPABASE_KEY"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getEnv("SUPABASE_BUCKET", "screenshots"),
		UploadDir:          getEnv("UPLOAD_DIR", "uploads"),

		VoyageKey:      os.Getenv("VOYAGE_API_KEY"),
		EmbeddingModel: os.Getenv("EMBEDDING_MODEL"),

		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     os.Getenv("DEEPGRAM_MODEL"),
		AssemblyAIKey:     os.Getenv("ASSEMBLYAI_API_KEY"),
		ICEServersJSON:    os.Getenv("ICE_SERVERS_JSON"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),

		CaptureInterval:  getDuration(logger, "CAPTURE_INTERVAL", 10*time.Second),
		NarrationTimeout: getDuration(logger, "NARRATION_TIMEOUT", 60*time.Second),
		TesseractLang:    os.Getenv("TESSERACT_LANG"),
	}

	p, err := llm.ParseProvider(getEnv("DEFAULT_AI_PROVIDER", string(llm.ProviderOpenAI)))
	if err != nil {
		logger.Warn().Err(err).Msg("DEFAULT_AI_PROVIDER invalid, using openai")
		p = llm.ProviderOpenAI
	}
	cfg.DefaultProvider = p

	cfg.warnMissing(logger)
	logger.Info().Str("addr", cfg.HTTPAddress).Str("env", cfg.Env).Str("provider", string(cfg.DefaultProvider)).Msg("config loaded")
	return cfg
}

// StorageKey prefers the service role key for uploads.
func (c Config) StorageKey() string {
	if c.SupabaseServiceKey != "" {
		return c.SupabaseServiceKey
	}
	return c.SupabaseKey
}

func (c Config) warnMissing(logger zerolog.Logger) {
	configured := 0
	for p, pc := range c.Providers {
		if pc.APIKey != "" {
			configured++
		} else if p == c.DefaultProvider {
			logger.Warn().Str("provider", string(p)).Msg("default AI provider has no API key - replies will not work")
		}
	}
	if configured == 0 {
		logger.Warn().Msg("no AI provider key set - the assistant will answer with a configuration notice")
	}
	if c.AssemblyAIKey == "" {
		logger.Warn().Msg("ASSEMBLYAI_API_KEY not set - server-side transcription will not work")
	}
	if c.ElevenLabsKey == "" && c.DeepgramKey == "" {
		logger.Warn().Msg("ELEVENLABS_API_KEY and DEEPGRAM_API_KEY not set - narration will not work")
	}
	if c.ElevenLabsKey != "" && c.ElevenLabsVoiceID == "" {
		logger.Warn().Msg("ELEVENLABS_VOICE_ID not set - using the default voice")
	}
	if c.TwilioAuthToken == "" {
		logger.Warn().Msg("TWILIO_AUTH_TOKEN not set - phone webhooks will be rejected")
	} else if c.TwilioAccountSID == "" {
		logger.Warn().Msg("TWILIO_ACCOUNT_SID not set - operator hangups will not work")
	}
}

func httpAddress() string {
	if addr := os.Getenv("HTTP_ADDRESS"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(logger zerolog.Logger, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
		return def
	}
	return n
}

func getFloat(logger zerolog.Logger, key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid number, using default")
		return def
	}
	return f
}

// getDuration accepts Go durations ("15s") or plain seconds ("15").
func getDuration(logger zerolog.Logger, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	logger.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
