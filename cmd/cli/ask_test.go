package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/finance-assistant/internal/orchestrator"
)

type fakeAnswerer struct {
	handle func(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	seen   []orchestrator.Request
}

func (f *fakeAnswerer) Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	f.seen = append(f.seen, req)
	return f.handle(ctx, req)
}

func echo(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	return &orchestrator.Response{
		UserID: req.UserID,
		Query:  req.Query,
		Text:   "answer to " + req.Query,
		Timings: []orchestrator.StageTiming{
			{Stage: orchestrator.StateClassified, Duration: 2 * time.Millisecond},
		},
		Total: 3 * time.Millisecond,
	}, nil
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		opts  askOptions
		check func(t *testing.T, out string, req orchestrator.Request)
	}{
		{
			name: "text",
			opts: askOptions{userID: "u1"},
			check: func(t *testing.T, out string, req orchestrator.Request) {
				if strings.TrimSpace(out) != "answer to my top 3 expenses" {
					t.Errorf("out = %q", out)
				}
				if !req.Summarize || req.UserID != "u1" {
					t.Errorf("request = %+v", req)
				}
			},
		},
		{
			name: "no summary and top k",
			opts: askOptions{userID: "u1", noSummary: true, topK: 4},
			check: func(t *testing.T, out string, req orchestrator.Request) {
				if req.Summarize || req.TopK != 4 {
					t.Errorf("request = %+v", req)
				}
			},
		},
		{
			name: "timings",
			opts: askOptions{userID: "u1", timings: true},
			check: func(t *testing.T, out string, req orchestrator.Request) {
				if !strings.Contains(out, "classified") || !strings.Contains(out, "total") {
					t.Errorf("timings missing:\n%s", out)
				}
			},
		},
		{
			name: "json",
			opts: askOptions{userID: "u1", asJSON: true},
			check: func(t *testing.T, out string, req orchestrator.Request) {
				var resp orchestrator.Response
				if err := json.Unmarshal([]byte(out), &resp); err != nil {
					t.Fatalf("output is not JSON: %v\n%s", err, out)
				}
				if resp.Text != "answer to my top 3 expenses" {
					t.Errorf("text = %q", resp.Text)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeAnswerer{handle: echo}
			var out bytes.Buffer
			if err := ask(context.Background(), f, &tt.opts, "my top 3 expenses", &out); err != nil {
				t.Fatalf("ask: %v", err)
			}
			tt.check(t, out.String(), f.seen[0])
		})
	}
}

func TestAskPrintsSafeMessageOnError(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeAnswerer{handle: func(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
		return &orchestrator.Response{Text: "Sorry, something went wrong."}, boom
	}}
	var out bytes.Buffer
	err := ask(context.Background(), f, &askOptions{userID: "u1"}, "hi", &out)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(out.String(), "Sorry, something went wrong.") {
		t.Errorf("out = %q", out.String())
	}
}

func TestChat(t *testing.T) {
	f := &fakeAnswerer{handle: echo}
	in := strings.NewReader("hello\n\nwhat about food\nexit\nnever asked\n")
	var out bytes.Buffer
	if err := chat(context.Background(), f, &askOptions{userID: "u1"}, in, &out); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(f.seen) != 2 || f.seen[0].Query != "hello" || f.seen[1].Query != "what about food" {
		t.Errorf("queries = %+v", f.seen)
	}
	if !strings.Contains(out.String(), "answer to what about food") {
		t.Errorf("out = %q", out.String())
	}
}

func TestChatEndsOnEOF(t *testing.T) {
	f := &fakeAnswerer{handle: echo}
	var out bytes.Buffer
	if err := chat(context.Background(), f, &askOptions{userID: "u1"}, strings.NewReader("hi"), &out); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(f.seen) != 1 {
		t.Errorf("asked %d times", len(f.seen))
	}
}
