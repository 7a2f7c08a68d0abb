package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable means no transcription provider could be started. Sessions
// continue in text-only mode.
var ErrUnavailable = errors.New("transcription unavailable")

// TranscriptResult represents a speech-to-text transcription result.
type TranscriptResult struct {
	Text       string    // The transcribed text
	Confidence float64   // Confidence score (0-1)
	IsFinal    bool      // Whether this is a final or interim result
	At         time.Time // When the result arrived
}

// Client defines the interface for speech-to-text providers.
type Client interface {
	// StreamAudio sends audio data to the STT service.
	// Audio should be in the format expected by the provider.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives transcription results.
	// It is closed after Close.
	Results() <-chan TranscriptResult

	// Errors returns a channel that receives errors.
	Errors() <-chan error

	// Close closes the connection to the STT service.
	Close() error
}

// Providers.
const (
	ProviderWhisper  = "whisper"
	ProviderDeepgram = "deepgram"
)

// Config selects and configures a provider.
type Config struct {
	Provider        string
	Language        string
	DeepgramAPIKey  string
	DeepgramURL     string // optional override of the listen endpoint
	OpenAIAPIKey    string
	OpenAIBaseURL   string // optional
	WhisperInterval time.Duration
}

// New starts a client for the configured provider. Deepgram falls back to
// Whisper when its key is missing. Errors wrap ErrUnavailable.
func New(ctx context.Context, cfg Config) (Client, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == ProviderDeepgram && cfg.DeepgramAPIKey != "" {
		c, err := NewDeepgramClient(ctx, DeepgramConfig{
			APIKey:         cfg.DeepgramAPIKey,
			URL:            cfg.DeepgramURL,
			Language:       cfg.Language,
			Model:          "nova-2",
			SampleRate:     16000,
			Encoding:       "linear16",
			Channels:       1,
			Punctuate:      true,
			InterimResults: true,
			Endpointing:    300,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return c, nil
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("%w: no transcription provider configured", ErrUnavailable)
	}
	return NewWhisperClient(WhisperConfig{
		APIKey:   cfg.OpenAIAPIKey,
		BaseURL:  cfg.OpenAIBaseURL,
		Language: cfg.Language,
		Interval: cfg.WhisperInterval,
	}), nil
}
