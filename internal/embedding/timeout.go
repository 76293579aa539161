package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finance-assistant/internal/apperr"
)

// Task tells the embedding model what the text will be used for.
type Task string

const (
	TaskDocument Task = "RETRIEVAL_DOCUMENT"
	TaskQuery    Task = "RETRIEVAL_QUERY"
)

type taskKey struct{}

// WithTask marks every Embed call made with ctx as task.
func WithTask(ctx context.Context, task Task) context.Context {
	return context.WithValue(ctx, taskKey{}, task)
}

// TaskFrom returns the task set by WithTask, TaskDocument by default.
func TaskFrom(ctx context.Context) Task {
	if t, ok := ctx.Value(taskKey{}).(Task); ok && t != "" {
		return t
	}
	return TaskDocument
}

// timeoutEmbedder bounds each Embed call.
type timeoutEmbedder struct {
	Embedder
	timeout time.Duration
}

// WithTimeout bounds every Embed call made through e. A call that runs past
// the deadline fails with EXTERNAL_SERVICE_TIMEOUT and other failures become
// EXTERNAL_SERVICE. Model and Dimensions are those of e.
func WithTimeout(e Embedder, timeout time.Duration) Embedder {
	if timeout <= 0 {
		return e
	}
	return &timeoutEmbedder{Embedder: e, timeout: timeout}
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "embedding.Embed"
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	go func() {
		vec, err := t.Embedder.Embed(ctx, text)
		done <- result{vec, err}
	}()

	select {
	case <-ctx.Done():
		return nil, apperr.E(apperr.CodeExternalTimeout, op, "the embedding service did not answer in time", ctx.Err())
	case r := <-done:
		switch {
		case r.err == nil:
			return r.vec, nil
		case errors.Is(r.err, context.DeadlineExceeded) || ctx.Err() != nil:
			return nil, apperr.E(apperr.CodeExternalTimeout, op, "the embedding service did not answer in time", r.err)
		default:
			return nil, apperr.E(apperr.CodeExternalService, op, "the embedding call failed", r.err)
		}
	}
}
