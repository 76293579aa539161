package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicCompleter calls the Claude Messages API. There is no native
// response schema, so structured requests get the schema spelled out in the system prompt.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicCompleter creates a completer. Retries are left to the caller.
func NewAnthropicCompleter(apiKey, model string, maxTokens int) *AnthropicCompleter {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicCompleter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (a *AnthropicCompleter) Complete(ctx context.Context, req Request) (string, error) {
	system := req.System
	if req.Schema != nil {
		system = strings.TrimSpace(system + "\n\n" + describeSchema(req.Schema))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(firstPositive(req.MaxTokens, a.maxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("AnthropicCompleter.Complete: messages.new: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("AnthropicCompleter.Complete: no text in response: %w", ErrInvalidOutput)
	}
	return b.String(), nil
}
