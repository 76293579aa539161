package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiCompleter calls Gemini's GenerateContent. Structured requests use the
// native response schema so the model is constrained server side.
type GeminiCompleter struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGeminiCompleter creates a completer. An empty apiKey lets the SDK read it from the environment.
func NewGeminiCompleter(ctx context.Context, apiKey, model string, maxTokens int) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1beta"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiCompleter: create genai client: %w", err)
	}
	return &GeminiCompleter{client: client, model: model, maxTokens: maxTokens}, nil
}

func (g *GeminiCompleter) Complete(ctx context.Context, req Request) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: int32(firstPositive(req.MaxTokens, g.maxTokens)),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGeminiSchema(req.Schema)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("GeminiCompleter.Complete: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("GeminiCompleter.Complete: empty response: %w", ErrInvalidOutput)
	}
	return text, nil
}

func toGeminiSchema(s *Schema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(s.Properties))
	for name, p := range s.Properties {
		t := genai.TypeString
		if p.Type == "integer" {
			t = genai.TypeInteger
		}
		props[name] = &genai.Schema{
			Type:        t,
			Enum:        p.Enum,
			Description: p.Description,
			Nullable:    genai.Ptr(true),
		}
	}
	for _, name := range s.Required {
		if p, ok := props[name]; ok {
			p.Nullable = nil
		}
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   s.Required,
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 1024
}
