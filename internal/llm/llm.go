// Package llm is the narrow boundary to hosted language models.
//
// Model output is untrusted text. Callers that need structure pass a Schema and
// validate the decoded result themselves; ErrInvalidOutput marks output that
// could not be used at all.
package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dvloznov/finance-assistant/internal/apperr"
)

// ErrInvalidOutput is returned when the model answered with something unusable.
var ErrInvalidOutput = errors.New("llm: invalid model output")

// Property describes one string field of a structured response.
type Property struct {
	Type        string   `json:"type"` // "string" or "integer"
	Enum        []string `json:"enum,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Schema is a flat JSON object schema for structured responses.
type Schema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Request is one completion call.
type Request struct {
	System    string
	Prompt    string
	Schema    *Schema
	MaxTokens int
}

// Completer sends a prompt to a model and returns its text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// WithTimeout bounds every call made through c. A call that runs past the
// deadline fails with EXTERNAL_SERVICE_TIMEOUT; other failures become EXTERNAL_SERVICE
// unless they already carry ErrInvalidOutput.
func WithTimeout(c Completer, timeout time.Duration) Completer {
	return CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		const op = "llm.Complete"
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		type result struct {
			text string
			err  error
		}
		done := make(chan result, 1)
		go func() {
			text, err := c.Complete(ctx, req)
			done <- result{text, err}
		}()

		select {
		case <-ctx.Done():
			return "", apperr.E(apperr.CodeExternalTimeout, op, "the language model did not answer in time", ctx.Err())
		case r := <-done:
			switch {
			case r.err == nil:
				return r.text, nil
			case errors.Is(r.err, context.DeadlineExceeded) || ctx.Err() != nil:
				return "", apperr.E(apperr.CodeExternalTimeout, op, "the language model did not answer in time", r.err)
			case errors.Is(r.err, ErrInvalidOutput):
				return "", r.err
			default:
				return "", apperr.E(apperr.CodeExternalService, op, "the language model call failed", r.err)
			}
		}
	})
}

// CleanJSON strips Markdown fences and any text around the outermost JSON object or array.
func CleanJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	open := strings.IndexAny(s, "{[")
	if open == -1 {
		return s
	}
	closer := "}"
	if s[open] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(s, closer); end > open {
		s = s[open : end+1]
	}
	return strings.TrimSpace(s)
}

// describeSchema renders the schema as prompt text for providers without native schema support.
func describeSchema(s *Schema) string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else. Fields:\n")
	for _, name := range slices.Sorted(maps.Keys(s.Properties)) {
		p := s.Properties[name]
		fmt.Fprintf(&b, "- %q: %s", name, p.Type)
		if len(p.Enum) > 0 {
			fmt.Fprintf(&b, " (one of %s)", strings.Join(p.Enum, ", "))
		}
		if p.Description != "" {
			fmt.Fprintf(&b, ". %s", p.Description)
		}
		b.WriteString("\n")
	}
	if len(s.Required) > 0 {
		fmt.Fprintf(&b, "Required: %s\n", strings.Join(s.Required, ", "))
	}
	return b.String()
}
