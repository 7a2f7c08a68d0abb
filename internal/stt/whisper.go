package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// minWhisperBytes is the smallest buffer worth sending.
const minWhisperBytes = 1000

// WhisperConfig holds configuration for the batch Whisper client.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Language string
	Interval time.Duration // default 1.5s
	// FileName tells the API the container format of the browser audio.
	FileName string
}

type transcriber interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// WhisperClient buffers audio and transcribes it in batches. Every batch
// yields at most one final result.
type WhisperClient struct {
	api      transcriber
	language string
	fileName string

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	results   chan TranscriptResult
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWhisperClient starts the periodic transcription loop.
func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return newWhisperClient(openai.NewClientWithConfig(config), cfg)
}

func newWhisperClient(api transcriber, cfg WhisperConfig) *WhisperClient {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	fileName := cfg.FileName
	if fileName == "" {
		fileName = "audio.webm"
	}
	c := &WhisperClient{
		api:      api,
		language: cfg.Language,
		fileName: fileName,
		results:  make(chan TranscriptResult, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop(interval)
	return c
}

func (c *WhisperClient) StreamAudio(_ context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	c.buf.Write(audio)
	return nil
}

func (c *WhisperClient) Results() <-chan TranscriptResult { return c.results }

func (c *WhisperClient) Errors() <-chan error { return c.errors }

// Close transcribes whatever audio is still buffered, then closes the
// result channels.
func (c *WhisperClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c.flush(ctx)
		cancel()

		close(c.results)
		close(c.errors)
	})
	return nil
}

func (c *WhisperClient) loop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.flush(ctx)
			cancel()
		}
	}
}

func (c *WhisperClient) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() <= minWhisperBytes {
		return nil
	}
	audio := make([]byte, c.buf.Len())
	copy(audio, c.buf.Bytes())
	c.buf.Reset()
	return audio
}

func (c *WhisperClient) flush(ctx context.Context) {
	audio := c.take()
	if audio == nil {
		return
	}

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: c.fileName,
		Reader:   bytes.NewReader(audio),
		Language: c.language,
	})
	if err != nil {
		select {
		case c.errors <- fmt.Errorf("whisper: %w", err):
		default:
		}
		return
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return
	}
	result := TranscriptResult{
		Text:       text,
		Confidence: 1,
		IsFinal:    true,
		At:         time.Now().UTC(),
	}
	select {
	case c.results <- result:
	case <-ctx.Done():
	}
}
