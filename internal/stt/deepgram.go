package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// DeepgramClient implements the Client interface using Deepgram's streaming API.
type DeepgramClient struct {
	conn      *websocket.Conn
	results   chan TranscriptResult
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // Wait for readLoop to finish
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey         string
	URL            string // defaults to the public listen endpoint
	Language       string // e.g., "en"
	Model          string // e.g., "nova-2"
	SampleRate     int    // e.g., 16000
	Encoding       string // e.g., "linear16"
	Channels       int
	Punctuate      bool
	InterimResults bool
	Endpointing    int // milliseconds of silence for endpointing, 0 for default
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

func deepgramURL(cfg DeepgramConfig) string {
	base := cfg.URL
	if base == "" {
		base = deepgramWSURL
	}
	q := url.Values{}
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.Encoding != "" {
		q.Set("encoding", cfg.Encoding)
	}
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.Endpointing))
	}
	return base + "?" + q.Encode()
}

// NewDeepgramClient creates a new Deepgram streaming STT client.
func NewDeepgramClient(ctx context.Context, cfg DeepgramConfig) (*DeepgramClient, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, deepgramURL(cfg), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	client := &DeepgramClient{
		conn:    conn,
		results: make(chan TranscriptResult, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}

	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// StreamAudio sends audio data to Deepgram.
func (c *DeepgramClient) StreamAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("client is closed")
	default:
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Results returns the channel for receiving transcription results.
func (c *DeepgramClient) Results() <-chan TranscriptResult {
	return c.results
}

// Errors returns the channel for receiving errors.
func (c *DeepgramClient) Errors() <-chan error {
	return c.errors
}

// Close closes the Deepgram connection.
func (c *DeepgramClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
		c.mu.Unlock()

		err = c.conn.Close()

		// readLoop must exit before the channels close
		c.wg.Wait()
		close(c.results)
		close(c.errors)
	})
	return err
}

// readLoop reads responses from Deepgram and sends them to the results channel.
func (c *DeepgramClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Printf("deepgram: failed to parse response: %v", err)
			continue
		}

		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}

		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}

		result := TranscriptResult{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			IsFinal:    resp.IsFinal,
			At:         time.Now().UTC(),
		}

		select {
		case <-c.done:
			return
		case c.results <- result:
		}
	}
}
