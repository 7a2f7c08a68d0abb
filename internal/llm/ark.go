package llm

import (
	"context"
	"errors"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ArkConfig configures the Volcengine Ark chat model.
type ArkConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	Region    string
	MaxTokens int
}

// ArkClient implements Completer on an eino chat model.
type ArkClient struct {
	model model.BaseChatModel
}

// NewArkClient builds the Ark chat model.
func NewArkClient(ctx context.Context, cfg ArkConfig) (*ArkClient, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("ark: ARK_API_KEY and ARK_MODEL are required")
	}
	var maxTokens *int
	if cfg.MaxTokens > 0 {
		v := cfg.MaxTokens
		maxTokens = &v
	}
	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:   cfg.BaseURL,
		Region:    cfg.Region,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &ArkClient{model: cm}, nil
}

// NewArkClientFromModel wraps an existing eino chat model.
func NewArkClientFromModel(m model.BaseChatModel) *ArkClient {
	return &ArkClient{model: m}
}

func (c *ArkClient) Name() string { return "ark" }

func (c *ArkClient) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	msgs := make([]*schema.Message, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, schema.SystemMessage(system))
	}
	for _, m := range messages {
		if m.Role == RoleAssistant {
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
			continue
		}
		msgs = append(msgs, schema.UserMessage(m.Content))
	}

	resp, err := c.model.Generate(ctx, msgs)
	if err != nil {
		return "", wrapProviderError(c.Name(), err)
	}
	if resp == nil || resp.Content == "" {
		return "", &ProviderError{Provider: c.Name(), Err: errors.New("empty response")}
	}
	return resp.Content, nil
}
