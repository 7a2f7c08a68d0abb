package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lukasbauer/murmur/internal/document"
)

// RetryPolicy controls retries of retryable provider errors.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy retries three times with 1s, 2s, 4s backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:   3,
	InitialDelay: time.Second,
	MaxDelay:     8 * time.Second,
	Multiplier:   2,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Request is everything the model needs for one utterance.
type Request struct {
	Utterance  string
	Document   string    // current markdown snapshot
	History    []Message // recent conversation, oldest first
	Transcript string    // session transcript so far
}

// Reply is the parsed model response. Operations is nil when the model
// proposed none or when OperationsErr is set.
type Reply struct {
	Conversation  string
	Operations    []document.EditOperation
	OperationsErr error
	Raw           string
}

// Processor turns utterances into replies.
type Processor struct {
	completer Completer
	policy    RetryPolicy
	logger    *log.Logger
}

// NewProcessor creates a processor over completer.
func NewProcessor(completer Completer, policy RetryPolicy, logger *log.Logger) *Processor {
	return &Processor{completer: completer, policy: policy, logger: logger}
}

// Process sends the utterance to the model, retrying retryable failures
// with exponential backoff until ctx expires. Errors are *ProviderError.
func (p *Processor) Process(ctx context.Context, req Request) (*Reply, error) {
	prompt := BuildThinkingPrompt(req.Document, req.History, req.Transcript, req.Utterance)
	msgs := []Message{{Role: RoleUser, Content: prompt}}

	var lastErr error
	for attempt := 0; ; attempt++ {
		text, err := p.completer.Complete(ctx, SystemPrompt, msgs)
		if err == nil {
			return ParseReply(text), nil
		}
		lastErr = wrapProviderError(p.completer.Name(), err)

		var pe *ProviderError
		if !errors.As(lastErr, &pe) || !pe.Retryable() || attempt >= p.policy.MaxRetries {
			return nil, lastErr
		}

		wait := p.policy.delay(attempt)
		p.logger.Printf("llm: %s attempt %d failed, retrying in %s: %v", p.completer.Name(), attempt+1, wait, err)
		select {
		case <-ctx.Done():
			return nil, &ProviderError{
				Provider: p.completer.Name(),
				Err:      fmt.Errorf("gave up after %d attempts: %w", attempt+1, errors.Join(ctx.Err(), lastErr)),
			}
		case <-time.After(wait):
		}
	}
}

var jsonBlockPattern = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")

// fallbackConversationChars bounds the raw text echoed when the reply is
// not JSON.
const fallbackConversationChars = 500

type replyPayload struct {
	Conversation    string          `json:"conversation"`
	Operations      json.RawMessage `json:"operations"`
	DocumentUpdates json.RawMessage `json:"document_updates"`
}

// ParseReply extracts the JSON payload from the model text. Text that is not
// JSON becomes the conversation with no operations. Invalid operations are
// reported in OperationsErr without discarding the conversation.
func ParseReply(text string) *Reply {
	r := &Reply{Raw: text}

	var payload replyPayload
	raw := extractJSON(text)
	if raw == "" || json.Unmarshal([]byte(raw), &payload) != nil {
		r.Conversation = truncate(strings.TrimSpace(text), fallbackConversationChars)
		return r
	}
	r.Conversation = strings.TrimSpace(payload.Conversation)

	var (
		ops []document.EditOperation
		err error
	)
	switch {
	case len(payload.Operations) > 0:
		ops, err = document.ParseOperations(payload.Operations)
	case len(payload.DocumentUpdates) > 0:
		ops, err = document.ParseLegacyUpdates(payload.DocumentUpdates)
	}
	if err != nil {
		r.OperationsErr = err
		return r
	}
	r.Operations = ops
	return r
}

func extractJSON(text string) string {
	if m := jsonBlockPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	t := strings.TrimSpace(text)
	if json.Valid([]byte(t)) {
		return t
	}
	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start >= 0 && end > start {
		return t[start : end+1]
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
