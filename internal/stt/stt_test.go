package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	openai "github.com/meguminnnnnnnnn/go-openai"
)

func TestNewWithoutProviderIsUnavailable(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: ProviderWhisper})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestNewDeepgramUnreachableIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, Config{
		Provider:       ProviderDeepgram,
		DeepgramAPIKey: "k",
		DeepgramURL:    "ws://127.0.0.1:1/v1/listen",
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestNewDeepgramWithoutKeyFallsBackToWhisper(t *testing.T) {
	c, err := New(context.Background(), Config{Provider: ProviderDeepgram, OpenAIAPIKey: "k"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	if _, ok := c.(*WhisperClient); !ok {
		t.Errorf("client = %T, want *WhisperClient", c)
	}
}

func TestDeepgramURL(t *testing.T) {
	u := deepgramURL(DeepgramConfig{
		Model: "nova-2", Language: "en", Encoding: "linear16", SampleRate: 16000,
		Channels: 1, Punctuate: true, InterimResults: true, Endpointing: 300,
	})
	for _, want := range []string{"model=nova-2", "encoding=linear16", "sample_rate=16000", "interim_results=true", "endpointing=300"} {
		if !strings.Contains(u, want) {
			t.Errorf("url %q missing %q", u, want)
		}
	}
	if !strings.HasPrefix(u, deepgramWSURL+"?") {
		t.Errorf("url %q should use the default endpoint", u)
	}
}

func TestDeepgramClientStreamsResults(t *testing.T) {
	upgrader := websocket.Upgrader{}
	authCh := make(chan string, 1)
	audioCh := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, audio, err := conn.ReadMessage()
		if err != nil {
			return
		}
		audioCh <- audio

		msgs := []string{
			`{"type": "Metadata"}`,
			`{"type": "Results", "is_final": false, "channel": {"alternatives": [{"transcript": "hello", "confidence": 0.5}]}}`,
			`{"type": "Results", "is_final": true, "channel": {"alternatives": [{"transcript": ""}]}}`,
			`{"type": "Results", "is_final": true, "channel": {"alternatives": [{"transcript": "hello world", "confidence": 0.9}]}}`,
		}
		for _, m := range msgs {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		// keep the connection open until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := NewDeepgramClient(context.Background(), DeepgramConfig{
		APIKey: "secret",
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err != nil {
		t.Fatalf("NewDeepgramClient failed: %v", err)
	}

	if err := c.StreamAudio(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("StreamAudio failed: %v", err)
	}
	if got := <-audioCh; len(got) != 3 {
		t.Errorf("server received %v", got)
	}

	var results []TranscriptResult
	timeout := time.After(2 * time.Second)
	for len(results) < 2 {
		select {
		case r := <-c.Results():
			results = append(results, r)
		case <-timeout:
			t.Fatalf("timed out, got %v", results)
		}
	}

	if gotAuth := <-authCh; gotAuth != "Token secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if results[0].Text != "hello" || results[0].IsFinal {
		t.Errorf("first result = %+v, want interim hello", results[0])
	}
	if results[1].Text != "hello world" || !results[1].IsFinal {
		t.Errorf("second result = %+v, want final hello world", results[1])
	}

	if err := c.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	if _, ok := <-c.Results(); ok {
		t.Error("results channel should be closed")
	}
	if err := c.StreamAudio(context.Background(), []byte{1}); err == nil {
		t.Error("StreamAudio after Close should fail")
	}
}

type fakeTranscriber struct {
	mu    sync.Mutex
	sizes []int
	text  string
	err   error
}

func (f *fakeTranscriber) CreateTranscription(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	audio, _ := io.ReadAll(req.Reader)
	f.mu.Lock()
	f.sizes = append(f.sizes, len(audio))
	f.mu.Unlock()
	return openai.AudioResponse{Text: f.text}, f.err
}

func (f *fakeTranscriber) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sizes...)
}

func TestWhisperSkipsSmallBuffers(t *testing.T) {
	ft := &fakeTranscriber{text: "hi"}
	c := newWhisperClient(ft, WhisperConfig{Interval: 10 * time.Millisecond})

	_ = c.StreamAudio(context.Background(), make([]byte, 500))
	time.Sleep(50 * time.Millisecond)
	if len(ft.calls()) != 0 {
		t.Errorf("transcribed a %d-byte buffer", 500)
	}
	c.Close()
	if len(ft.calls()) != 0 {
		t.Error("Close should not flush a small buffer")
	}
}

func TestWhisperBatchesAudio(t *testing.T) {
	ft := &fakeTranscriber{text: " I think we should ship "}
	c := newWhisperClient(ft, WhisperConfig{Interval: 20 * time.Millisecond})
	defer c.Close()

	_ = c.StreamAudio(context.Background(), make([]byte, 800))
	_ = c.StreamAudio(context.Background(), make([]byte, 800))

	select {
	case r := <-c.Results():
		if r.Text != "I think we should ship" || !r.IsFinal {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	if calls := ft.calls(); len(calls) != 1 || calls[0] != 1600 {
		t.Errorf("calls = %v, want one batch of 1600 bytes", calls)
	}
}

func TestWhisperCloseFlushesRemainder(t *testing.T) {
	ft := &fakeTranscriber{text: "last words"}
	c := newWhisperClient(ft, WhisperConfig{Interval: time.Hour})

	_ = c.StreamAudio(context.Background(), make([]byte, 2000))
	c.Close()

	r, ok := <-c.Results()
	if !ok || r.Text != "last words" {
		t.Errorf("result = %+v, ok = %v", r, ok)
	}
	if _, ok := <-c.Results(); ok {
		t.Error("results channel should be closed")
	}
	if err := c.StreamAudio(context.Background(), []byte{1}); err == nil {
		t.Error("StreamAudio after Close should fail")
	}
}

func TestWhisperReportsErrors(t *testing.T) {
	ft := &fakeTranscriber{err: errors.New("status code: 500")}
	c := newWhisperClient(ft, WhisperConfig{Interval: 10 * time.Millisecond})
	defer c.Close()

	_ = c.StreamAudio(context.Background(), make([]byte, 2000))
	select {
	case err := <-c.Errors():
		if !strings.Contains(err.Error(), "whisper") {
			t.Errorf("error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestWhisperClientHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("model") != openai.Whisper1 {
			http.Error(w, "bad model", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text": "from the api"}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Interval: time.Hour})
	_ = c.StreamAudio(context.Background(), make([]byte, 1500))
	c.Close()

	r, ok := <-c.Results()
	if !ok || r.Text != "from the api" {
		t.Errorf("result = %+v, ok = %v", r, ok)
	}
}
