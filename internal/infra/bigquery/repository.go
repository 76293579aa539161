// Package bigquery is the BigQuery-backed data layer for transactions.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

// TransactionRepository reads and writes transactions through a shared client.
type TransactionRepository struct {
	client   *bigquery.Client
	table    Table
	currency domain.Currency
	log      zerolog.Logger
}

// NewTransactionRepository opens a BigQuery client for projectID.
func NewTransactionRepository(ctx context.Context, table Table, cur domain.Currency, log zerolog.Logger) (*TransactionRepository, error) {
	if table.ProjectID == "" || table.Dataset == "" || table.Name == "" {
		return nil, fmt.Errorf("NewTransactionRepository: project, dataset and table are required")
	}
	client, err := bigquery.NewClient(ctx, table.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("NewTransactionRepository: creating client: %w", err)
	}
	return &TransactionRepository{client: client, table: table, currency: cur, log: log}, nil
}

// Close closes the BigQuery client connection.
func (r *TransactionRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ListTransactions returns the transactions of userID only.
func (r *TransactionRepository) ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	rows, err := ListTransactionsWithClient(ctx, r.client, r.table, userID)
	if err != nil {
		return nil, err
	}
	return r.convert(rows), nil
}

// ListAllTransactions returns every user's transactions, for index builds.
func (r *TransactionRepository) ListAllTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := ListAllTransactionsWithClient(ctx, r.client, r.table)
	if err != nil {
		return nil, err
	}
	return r.convert(rows), nil
}

// InsertTransactions writes txns with currencyCode as the stored currency.
func (r *TransactionRepository) InsertTransactions(ctx context.Context, txns []domain.Transaction, currencyCode string) error {
	now := time.Now()
	rows := make([]*TransactionRow, len(txns))
	for i, t := range txns {
		rows[i] = RowFromDomain(t, r.currency, currencyCode, now)
	}
	return InsertTransactionsWithClient(ctx, r.client, r.table, rows)
}

// convert skips rows that do not fit the domain model; they are logged, not fatal.
func (r *TransactionRepository) convert(rows []*TransactionRow) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := row.ToDomain(r.currency)
		if err != nil {
			r.log.Warn().Err(err).Msg("skipping malformed transaction row")
			continue
		}
		out = append(out, t)
	}
	return out
}
