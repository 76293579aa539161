package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/logger"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated id %q is not a UUID", seen)
	}
	if rec.Header().Get(HeaderRequestID) != seen {
		t.Error("response header does not echo the id")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc-123" {
		t.Errorf("caller id not propagated: %q", seen)
	}
}

func TestLoggerAddsRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())
		log.Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	}), RequestID, UserScope, Logger(zerolog.New(&buf)))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "r1")
	req.Header.Set(HeaderUserID, "u1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d: %s", len(lines), buf.String())
	}
	var inside, access map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &inside)
	_ = json.Unmarshal([]byte(lines[1]), &access)
	if inside["request_id"] != "r1" || inside["user_id"] != "u1" {
		t.Errorf("handler log = %v", inside)
	}
	if access["status"] != float64(http.StatusTeapot) || access["path"] != "/x" {
		t.Errorf("access log = %v", access)
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	h := Recovery(zerolog.New(&buf))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "Panic recovered") {
		t.Error("panic not logged")
	}
}

func TestCheckScope(t *testing.T) {
	ctx := context.Background()
	if err := CheckScope(ctx, "u1"); err != nil {
		t.Errorf("no header: %v", err)
	}
	ctx = context.WithValue(ctx, userIDKey, "u1")
	if err := CheckScope(ctx, "u1"); err != nil {
		t.Errorf("same user: %v", err)
	}
	if err := CheckScope(ctx, "u2"); !apperr.Is(err, apperr.CodeUserScopeViolation) {
		t.Errorf("other user: err = %v", err)
	}
}

func TestWriteAppError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{apperr.E(apperr.CodeUserScopeViolation, "op", "not yours", nil), http.StatusForbidden, "not yours"},
		{apperr.E(apperr.CodeRetrievalUnavailable, "op", "", nil), http.StatusServiceUnavailable, "fallback"},
		{apperr.Errorf(apperr.CodeNotFound, "op", "job not found: x"), http.StatusNotFound, "job not found: x"},
		{errors.New("raw detail"), http.StatusInternalServerError, "fallback"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteAppError(rec, tt.err, "fallback")
		var body map[string]string
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if rec.Code != tt.status || body["error"] != tt.msg {
			t.Errorf("%v: status = %d body = %v", tt.err, rec.Code, body)
		}
	}
}
