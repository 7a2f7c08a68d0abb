package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/meguminnnnnnnnn/go-openai"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a conversation message.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Completer sends one system prompt plus a message list to a chat model and
// returns the text of the reply.
type Completer interface {
	Complete(ctx context.Context, system string, messages []Message) (string, error)
	Name() string
}

// ProviderError is returned when the model provider fails or cannot be reached.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt might succeed: rate limits,
// server errors and network failures.
func (e *ProviderError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		return true
	}
	return false
}

// wrapProviderError classifies an SDK error. The status comes from the SDK's
// typed error where there is one, and from the message otherwise.
func wrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, StatusCode: statusFromError(err), Err: err}
}

// statusPattern only accepts a code introduced as a status, so numbers in
// the message body ("max 1500 tokens") are not mistaken for one.
var statusPattern = regexp.MustCompile(`(?i)(?:\bstatus(?:\s*code)?|\berror\s*code|\bhttp)\s*[:=]?\s*([1-5]\d{2})\b`)

func statusFromError(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return 0
	}

	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) && oaiAPI.HTTPStatusCode > 0 {
		return oaiAPI.HTTPStatusCode
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) && oaiReq.HTTPStatusCode > 0 {
		return oaiReq.HTTPStatusCode
	}
	var antReq *anthropic.RequestError
	if errors.As(err, &antReq) && antReq.StatusCode > 0 {
		return antReq.StatusCode
	}
	var antAPI *anthropic.APIError
	if errors.As(err, &antAPI) {
		if code := anthropicStatus(antAPI.Type); code != 0 {
			return code
		}
	}

	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

// anthropicStatus maps an API error type to the status Anthropic sends it with.
func anthropicStatus(t anthropic.ErrType) int {
	switch t {
	case anthropic.ErrTypeInvalidRequest:
		return http.StatusBadRequest
	case anthropic.ErrTypeAuthentication:
		return http.StatusUnauthorized
	case anthropic.ErrTypePermission:
		return http.StatusForbidden
	case anthropic.ErrTypeNotFound:
		return http.StatusNotFound
	case anthropic.ErrTypeTooLarge:
		return http.StatusRequestEntityTooLarge
	case anthropic.ErrTypeRateLimit:
		return http.StatusTooManyRequests
	case anthropic.ErrTypeApi:
		return http.StatusInternalServerError
	case anthropic.ErrTypeOverloaded:
		return 529
	}
	return 0
}
