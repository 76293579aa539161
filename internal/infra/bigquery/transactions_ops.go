package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

const selectColumns = `
		SELECT
			t.transaction_id,
			t.user_id,
			t.transaction_date,
			t.amount,
			t.currency,
			t.direction,
			t.description,
			t.category_name,
			t.created_ts,
			t.updated_ts
		FROM %s t`

// Table identifies the transactions table.
type Table struct {
	ProjectID string
	Dataset   string
	Name      string
}

// quoted is the fully qualified name for standard SQL.
func (t Table) quoted() string {
	return fmt.Sprintf("`%s.%s.%s`", t.ProjectID, t.Dataset, t.Name)
}

// ListTransactionsWithClient returns the rows of one user, newest first.
func ListTransactionsWithClient(ctx context.Context, client *bigquery.Client, table Table, userID string) ([]*TransactionRow, error) {
	q := client.Query(fmt.Sprintf(selectColumns, table.quoted()) + `
		WHERE t.user_id = @user_id
		ORDER BY t.transaction_date DESC, t.transaction_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
	}
	rows, err := readRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return rows, nil
}

// ListAllTransactionsWithClient returns every row, ordered for stable index builds.
func ListAllTransactionsWithClient(ctx context.Context, client *bigquery.Client, table Table) ([]*TransactionRow, error) {
	q := client.Query(fmt.Sprintf(selectColumns, table.quoted()) + `
		ORDER BY t.user_id, t.transaction_date, t.transaction_id
	`)
	rows, err := readRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListAllTransactions: %w", err)
	}
	return rows, nil
}

// InsertTransactionsWithClient streams rows into the transactions table.
func InsertTransactionsWithClient(ctx context.Context, client *bigquery.Client, table Table, rows []*TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	inserter := client.DatasetInProject(table.ProjectID, table.Dataset).Table(table.Name).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertTransactions: inserting rows: %w", err)
	}
	return nil
}

func readRows(ctx context.Context, q *bigquery.Query) ([]*TransactionRow, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var rows []*TransactionRow
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}
