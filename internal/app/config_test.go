package app

import (
	"os"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		defValue string
		want     string
	}{
		{
			name:     "env set",
			envKey:   "TEST_ENV_VAR",
			envValue: "custom_value",
			defValue: "default",
			want:     "custom_value",
		},
		{
			name:     "env not set",
			envKey:   "TEST_ENV_VAR_NOTSET",
			envValue: "",
			defValue: "default",
			want:     "default",
		},
		{
			name:     "empty default",
			envKey:   "TEST_ENV_VAR_EMPTY",
			envValue: "",
			defValue: "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenv(tt.envKey, tt.defValue)
			if got != tt.want {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.envKey, tt.defValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		def      int
		min      int
		max      int
		want     int
	}{
		{
			name:     "value within range",
			envKey:   "TEST_INT_NORMAL",
			envValue: "500",
			def:      100,
			min:      0,
			max:      1000,
			want:     500,
		},
		{
			name:     "value below min - clamp to min",
			envKey:   "TEST_INT_LOW",
			envValue: "-100",
			def:      100,
			min:      0,
			max:      1000,
			want:     0,
		},
		{
			name:     "value above max - clamp to max",
			envKey:   "TEST_INT_HIGH",
			envValue: "2000",
			def:      100,
			min:      0,
			max:      1000,
			want:     1000,
		},
		{
			name:     "env not set - use default",
			envKey:   "TEST_INT_NOTSET",
			envValue: "",
			def:      100,
			min:      0,
			max:      1000,
			want:     100,
		},
		{
			name:     "invalid value - use default",
			envKey:   "TEST_INT_INVALID",
			envValue: "not_a_number",
			def:      100,
			min:      0,
			max:      1000,
			want:     100,
		},
		{
			name:     "boundary: exactly min",
			envKey:   "TEST_INT_MIN",
			envValue: "200",
			def:      500,
			min:      200,
			max:      800,
			want:     200,
		},
		{
			name:     "boundary: exactly max",
			envKey:   "TEST_INT_MAX",
			envValue: "800",
			def:      500,
			min:      200,
			max:      800,
			want:     800,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenvIntClamped(tt.envKey, tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%q, %d, %d, %d) = %d, want %d",
					tt.envKey, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		def      float64
		min      float64
		max      float64
		want     float64
	}{
		{
			name:     "value within range",
			envKey:   "TEST_FLOAT_NORMAL",
			envValue: "0.5",
			def:      0.3,
			min:      0.0,
			max:      1.0,
			want:     0.5,
		},
		{
			name:     "value below min - clamp to min",
			envKey:   "TEST_FLOAT_LOW",
			envValue: "-0.5",
			def:      0.3,
			min:      0.0,
			max:      1.0,
			want:     0.0,
		},
		{
			name:     "value above max - clamp to max",
			envKey:   "TEST_FLOAT_HIGH",
			envValue: "1.5",
			def:      0.3,
			min:      0.0,
			max:      1.0,
			want:     1.0,
		},
		{
			name:     "env not set - use default",
			envKey:   "TEST_FLOAT_NOTSET",
			envValue: "",
			def:      0.75,
			min:      0.0,
			max:      1.0,
			want:     0.75,
		},
		{
			name:     "invalid value - use default",
			envKey:   "TEST_FLOAT_INVALID",
			envValue: "not_a_float",
			def:      0.5,
			min:      0.0,
			max:      1.0,
			want:     0.5,
		},
		{
			name:     "boundary: exactly min",
			envKey:   "TEST_FLOAT_MIN",
			envValue: "0.0",
			def:      0.5,
			min:      0.0,
			max:      1.0,
			want:     0.0,
		},
		{
			name:     "boundary: exactly max",
			envKey:   "TEST_FLOAT_MAX",
			envValue: "1.0",
			def:      0.5,
			min:      0.0,
			max:      1.0,
			want:     1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenvFloatClamped(tt.envKey, tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvFloatClamped(%q, %f, %f, %f) = %f, want %f",
					tt.envKey, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{name: "go duration", envValue: "45s", want: 45 * time.Second},
		{name: "minutes", envValue: "3m", want: 3 * time.Minute},
		{name: "bare seconds", envValue: "90", want: 90 * time.Second},
		{name: "fractional seconds", envValue: "1.5", want: 1500 * time.Millisecond},
		{name: "not set - use default", envValue: "", want: 10 * time.Second},
		{name: "invalid - use default", envValue: "soon", want: 10 * time.Second},
		{name: "negative - use default", envValue: "-5s", want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.envValue)

			got := getenvDuration("TEST_DURATION", 10*time.Second)
			if got != tt.want {
				t.Errorf("getenvDuration(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	// Clear any existing env vars that might interfere
	keysToClean := []string{
		"HTTP_ADDR", "DATABASE_URL", "SQLITE_PATH", "PAUSE_THRESHOLD_MS",
		"AI_PROVIDER", "AI_TIMEOUT", "TRANSCRIPTION_PROVIDER",
		"SESSION_GRACE_PERIOD", "DEFAULT_USER_ID",
	}
	for _, key := range keysToClean {
		t.Setenv(key, "")
	}

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.DatabaseURL != "" || cfg.SQLitePath != "murmur.db" {
		t.Errorf("storage = %q / %q, want SQLite at murmur.db", cfg.DatabaseURL, cfg.SQLitePath)
	}

	// Pause detection defaults
	if cfg.PauseThreshold() != 2*time.Second {
		t.Errorf("PauseThreshold = %v, want %v", cfg.PauseThreshold(), 2*time.Second)
	}
	if cfg.AITimeout != 30*time.Second {
		t.Errorf("AITimeout = %v, want %v", cfg.AITimeout, 30*time.Second)
	}

	if cfg.AIProvider != "anthropic" {
		t.Errorf("AIProvider = %q, want %q", cfg.AIProvider, "anthropic")
	}
	if cfg.TranscriptionProvider != "whisper" {
		t.Errorf("TranscriptionProvider = %q, want %q", cfg.TranscriptionProvider, "whisper")
	}
	if cfg.SessionGracePeriod != 2*time.Minute {
		t.Errorf("SessionGracePeriod = %v, want %v", cfg.SessionGracePeriod, 2*time.Minute)
	}
	if cfg.DefaultUserID != "default_user" {
		t.Errorf("DefaultUserID = %q, want %q", cfg.DefaultUserID, "default_user")
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/murmur")
	t.Setenv("PAUSE_THRESHOLD_MS", "3500")
	t.Setenv("AI_PROVIDER", "OpenAI")
	t.Setenv("AI_TIMEOUT", "12s")
	t.Setenv("TRANSCRIPTION_PROVIDER", "deepgram")
	t.Setenv("SESSION_GRACE_PERIOD", "30")

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.DatabaseURL != "postgres://localhost/murmur" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.PauseThreshold() != 3500*time.Millisecond {
		t.Errorf("PauseThreshold = %v, want %v", cfg.PauseThreshold(), 3500*time.Millisecond)
	}
	if cfg.AIProvider != "openai" {
		t.Errorf("AIProvider = %q, want %q", cfg.AIProvider, "openai")
	}
	if cfg.AITimeout != 12*time.Second {
		t.Errorf("AITimeout = %v, want %v", cfg.AITimeout, 12*time.Second)
	}
	if cfg.TranscriptionProvider != "deepgram" {
		t.Errorf("TranscriptionProvider = %q, want %q", cfg.TranscriptionProvider, "deepgram")
	}
	if cfg.SessionGracePeriod != 30*time.Second {
		t.Errorf("SessionGracePeriod = %v, want %v", cfg.SessionGracePeriod, 30*time.Second)
	}
}

func TestPauseThresholdClamped(t *testing.T) {
	t.Setenv("PAUSE_THRESHOLD_MS", "50")
	if got := LoadConfigFromEnv().PauseThresholdMs; got != 200 {
		t.Errorf("PauseThresholdMs = %d, want 200", got)
	}

	t.Setenv("PAUSE_THRESHOLD_MS", "120000")
	if got := LoadConfigFromEnv().PauseThresholdMs; got != 30000 {
		t.Errorf("PauseThresholdMs = %d, want 30000", got)
	}
}
