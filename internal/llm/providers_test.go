package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

func TestOpenAIClientComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"conversation\":\"hi\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	text, err := c.Complete(context.Background(), "sys", []Message{{Role: RoleUser, Content: "hello"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != `{"conversation":"hi"}` {
		t.Errorf("text = %q", text)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want system + user", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
}

func TestOpenAIClientRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	_, err := c.Complete(context.Background(), "", []Message{{Role: RoleUser, Content: "x"}})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if !pe.Retryable() {
		t.Errorf("rate limit should be retryable: %v", pe)
	}
}

func TestAnthropicClientComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude",
			"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	text, err := c.Complete(context.Background(), "be brief", []Message{{Role: RoleUser, Content: "hello"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != "part one part two" {
		t.Errorf("text = %q", text)
	}
	if gotBody["max_tokens"] != float64(2048) {
		t.Errorf("max_tokens = %v, want 2048", gotBody["max_tokens"])
	}
	if gotBody["system"] == nil {
		t.Error("system prompt not sent")
	}
}

type fakeChatModel struct {
	got  []*schema.Message
	resp *schema.Message
	err  error
}

func (f *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.got = in
	return f.resp, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestArkClientComplete(t *testing.T) {
	fm := &fakeChatModel{resp: schema.AssistantMessage("answer", nil)}
	c := NewArkClientFromModel(fm)

	text, err := c.Complete(context.Background(), "sys", []Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != "answer" {
		t.Errorf("text = %q", text)
	}
	if len(fm.got) != 4 {
		t.Fatalf("sent %d messages, want 4", len(fm.got))
	}
	if fm.got[0].Role != schema.System || fm.got[2].Role != schema.Assistant {
		t.Errorf("roles = %v, %v", fm.got[0].Role, fm.got[2].Role)
	}
}

func TestArkClientError(t *testing.T) {
	c := NewArkClientFromModel(&fakeChatModel{err: errors.New("status code: 503")})
	_, err := c.Complete(context.Background(), "", []Message{{Role: RoleUser, Content: "q"}})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != "ark" || pe.StatusCode != 503 {
		t.Errorf("error = %#v", err)
	}
}
