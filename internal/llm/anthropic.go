package llm

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicClient implements Completer with the Anthropic Messages API.
type AnthropicClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string // optional, e.g. for a proxy
	MaxTokens int
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(cfg.APIKey, opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	msgs := make([]anthropic.Message, 0, len(messages))
	for _, m := range messages {
		role := anthropic.RoleUser
		if m.Role == RoleAssistant {
			role = anthropic.RoleAssistant
		}
		msgs = append(msgs, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
		})
	}

	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		Messages:  msgs,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		req.MultiSystem = []anthropic.MessageSystemPart{{Type: "text", Text: system}}
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return "", wrapProviderError(c.Name(), err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			b.WriteString(*block.Text)
		}
	}
	if b.Len() == 0 {
		return "", &ProviderError{Provider: c.Name(), Err: errors.New("empty response")}
	}
	return b.String(), nil
}
