package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
)

type timeoutSource struct {
	source  TransactionSource
	timeout time.Duration
}

// WithReadTimeout bounds every ListTransactions call on source. A read that
// runs past the deadline fails with EXTERNAL_SERVICE_TIMEOUT, which callers
// treat as recoverable.
func WithReadTimeout(source TransactionSource, timeout time.Duration) TransactionSource {
	if timeout <= 0 {
		return source
	}
	return &timeoutSource{source: source, timeout: timeout}
}

func (s *timeoutSource) ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	const op = "TransactionSource.ListTransactions"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		txns []domain.Transaction
		err  error
	}
	done := make(chan result, 1)
	go func() {
		txns, err := s.source.ListTransactions(ctx, userID)
		done <- result{txns, err}
	}()

	select {
	case <-ctx.Done():
		return nil, apperr.E(apperr.CodeExternalTimeout, op, "reading transactions timed out", ctx.Err())
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, apperr.E(apperr.CodeExternalTimeout, op, "reading transactions timed out", r.err)
		}
		return r.txns, r.err
	}
}
