package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	base := E(CodeNoData, "Aggregator.Execute", "no matching transactions", nil)

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"coded", base, CodeNoData},
		{"wrapped", fmt.Errorf("outer: %w", base), CodeNoData},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeExternalTimeout},
		{"plain", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPropagates(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeRetrievalUnavailable, true},
		{CodeUserScopeViolation, true},
		{CodeInvalidClassification, false},
		{CodeNoData, false},
		{CodeExternalTimeout, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := Propagates(E(tt.code, "op", "", nil)); got != tt.want {
				t.Errorf("Propagates(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(E(CodeUserScopeViolation, "op", "", nil)); got != http.StatusForbidden {
		t.Errorf("HTTPStatus(scope) = %d, want 403", got)
	}
	if got := HTTPStatus(E(CodeRetrievalUnavailable, "op", "", nil)); got != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus(retrieval) = %d, want 503", got)
	}
	if got := HTTPStatus(errors.New("x")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(plain) = %d, want 500", got)
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("index not built")
	err := E(CodeRetrievalUnavailable, "Retriever.Search", "search index is not ready", cause)

	want := "Retriever.Search: RETRIEVAL_UNAVAILABLE: search index is not ready: index not built"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrappable")
	}
	if got := MessageOf(err, "fallback"); got != "search index is not ready" {
		t.Errorf("MessageOf() = %q", got)
	}
	if got := MessageOf(cause, "fallback"); got != "fallback" {
		t.Errorf("MessageOf(plain) = %q", got)
	}
}
