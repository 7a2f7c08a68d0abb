package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string // Postgres; empty selects SQLite
	SQLitePath  string
	Environment string
	SentryDSN   string

	// Pause detection
	PauseThresholdMs int
	AITimeout        time.Duration
	HistoryLimit     int

	// AI providers
	AIProvider      string // anthropic | openai | ark
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string
	ArkAPIKey       string
	ArkModel        string
	ArkBaseURL      string
	AIMaxRetries    int

	// Transcription
	TranscriptionProvider string // whisper | deepgram
	TranscriptionLanguage string
	DeepgramAPIKey        string
	WhisperInterval       time.Duration

	// Sessions
	SessionGracePeriod time.Duration
	ResumeTokenSecret  string
	DefaultUserID      string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SQLitePath:  getenv("SQLITE_PATH", "murmur.db"),
		Environment: getenv("ENVIRONMENT", "development"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		PauseThresholdMs: getenvIntClamped("PAUSE_THRESHOLD_MS", 2000, 200, 30000),
		AITimeout:        getenvDuration("AI_TIMEOUT", 30*time.Second),
		HistoryLimit:     getenvIntClamped("AI_HISTORY_LIMIT", 10, 0, 50),

		AIProvider:      strings.ToLower(getenv("AI_PROVIDER", "anthropic")),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", ""),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     getenv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:   getenv("OPENAI_BASE_URL", ""),
		ArkAPIKey:       os.Getenv("ARK_API_KEY"),
		ArkModel:        getenv("ARK_MODEL", ""),
		ArkBaseURL:      getenv("ARK_BASE_URL", ""),
		AIMaxRetries:    getenvIntClamped("AI_MAX_RETRIES", 3, 0, 10),

		TranscriptionProvider: strings.ToLower(getenv("TRANSCRIPTION_PROVIDER", "whisper")),
		TranscriptionLanguage: getenv("TRANSCRIPTION_LANGUAGE", "en"),
		DeepgramAPIKey:        os.Getenv("DEEPGRAM_API_KEY"),
		WhisperInterval:       getenvDuration("WHISPER_INTERVAL", 1500*time.Millisecond),

		SessionGracePeriod: getenvDuration("SESSION_GRACE_PERIOD", 2*time.Minute),
		ResumeTokenSecret:  os.Getenv("RESUME_TOKEN_SECRET"), // random per process when unset
		DefaultUserID:      getenv("DEFAULT_USER_ID", "default_user"),
	}
}

// PauseThreshold is the configured silence window.
func (c Config) PauseThreshold() time.Duration {
	return time.Duration(c.PauseThresholdMs) * time.Millisecond
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped reads an int, falling back to def when unset or invalid.
func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// getenvDuration accepts Go durations ("45s") or bare seconds ("45").
func getenvDuration(k string, def time.Duration) time.Duration {
	raw := os.Getenv(k)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs := getenvFloatClamped(k, -1, 0, 86400); secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
