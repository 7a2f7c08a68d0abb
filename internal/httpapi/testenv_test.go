package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/murmur/internal/docstore"
	"github.com/lukasbauer/murmur/internal/document"
	"github.com/lukasbauer/murmur/internal/eventlog"
	"github.com/lukasbauer/murmur/internal/llm"
	"github.com/lukasbauer/murmur/internal/orchestrator"
	"github.com/lukasbauer/murmur/internal/session"
	"github.com/lukasbauer/murmur/internal/store"
	"github.com/lukasbauer/murmur/internal/stt"
)

// echoProcessor files every utterance under an "Ideas" section.
type echoProcessor struct {
	mu   sync.Mutex
	seen []string
}

func (p *echoProcessor) Process(_ context.Context, req llm.Request) (*llm.Reply, error) {
	p.mu.Lock()
	p.seen = append(p.seen, req.Utterance)
	p.mu.Unlock()
	return &llm.Reply{
		Conversation: "Got it.",
		Operations:   []document.EditOperation{document.AppendItem{Section: "Ideas", Text: req.Utterance}},
	}, nil
}

func (p *echoProcessor) utterances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

// fakeSTT turns every audio chunk into one final transcript.
type fakeSTT struct {
	mu      sync.Mutex
	closed  bool
	results chan stt.TranscriptResult
	errs    chan error
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{
		results: make(chan stt.TranscriptResult, 16),
		errs:    make(chan error, 1),
	}
}

func (f *fakeSTT) StreamAudio(_ context.Context, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	f.results <- stt.TranscriptResult{Text: string(audio), IsFinal: true, Confidence: 0.9}
	return nil
}

func (f *fakeSTT) Results() <-chan stt.TranscriptResult { return f.results }
func (f *fakeSTT) Errors() <-chan error                 { return f.errs }

func (f *fakeSTT) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.results)
		close(f.errs)
	}
	return nil
}

type testEnv struct {
	store    *store.SQLite
	docs     *docstore.Service
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	proc     *echoProcessor
	registry *SessionRegistry
	server   *httptest.Server
}

type envOptions struct {
	pause          time.Duration
	newTranscriber func(ctx context.Context) (stt.Client, error)
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.pause == 0 {
		opts.pause = 50 * time.Millisecond
	}

	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := log.New(io.Discard, "", 0)
	events := eventlog.New(s)
	docs := docstore.New(s, logger)
	sessions := session.NewManager(s, docs, logger)
	proc := &echoProcessor{}
	orch := orchestrator.New(orchestrator.Config{
		PauseThreshold: opts.pause,
		AITimeout:      time.Second,
		GracePeriod:    time.Hour,
	}, proc, docs, s, events, logger)

	env := &testEnv{
		store:    s,
		docs:     docs,
		sessions: sessions,
		orch:     orch,
		proc:     proc,
		registry: NewSessionRegistry(),
	}
	handler := NewRouter(RouterConfig{
		DefaultUserID:     "tester",
		ResumeTokenSecret: "test-secret",
		EndTimeout:        5 * time.Second,
	}, logger, Services{
		Store:          s,
		Docs:           docs,
		Sessions:       sessions,
		Orchestrator:   orch,
		EventLog:       events,
		NewTranscriber: opts.newTranscriber,
	}, env.registry)

	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	t.Cleanup(events.Wait)
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

// readUntil reads frames until one of type want arrives and returns it
// along with the types seen before it.
func readUntil(t *testing.T, conn *websocket.Conn, want string) (map[string]any, []string) {
	t.Helper()
	var seen []string
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q (saw %v): %v", want, seen, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		typ, _ := msg["type"].(string)
		if typ == "processing" {
			typ += ":" + msg["status"].(string)
		}
		if typ == want {
			return msg, seen
		}
		seen = append(seen, typ)
	}
}
