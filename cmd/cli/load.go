package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-assistant/internal/domain"
	infraBQ "github.com/dvloznov/finance-assistant/internal/infra/bigquery"
	"github.com/dvloznov/finance-assistant/internal/infra/filestore"
)

// insertBatch keeps streaming inserts under the per-request row limit.
const insertBatch = 500

func loadCmd(g *globals) *cobra.Command {
	var (
		file         string
		currencyCode string
		dryRun       bool
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Insert a JSON transactions file into the BigQuery transactions table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			cur := domain.Currency{Symbol: cfg.Currency.Symbol, Exponent: cfg.Currency.Exponent}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			txns, err := filestore.Decode(f, cur)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d transactions are valid.\n", len(txns))
				return nil
			}
			if cfg.BigQuery.ProjectID == "" {
				return fmt.Errorf("bigquery.project_id is not set")
			}

			repo, err := infraBQ.NewTransactionRepository(cmd.Context(), infraBQ.Table{
				ProjectID: cfg.BigQuery.ProjectID,
				Dataset:   cfg.BigQuery.Dataset,
				Name:      cfg.BigQuery.Table,
			}, cur, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			for start := 0; start < len(txns); start += insertBatch {
				end := min(start+insertBatch, len(txns))
				if err := repo.InsertTransactions(cmd.Context(), txns[start:end], currencyCode); err != nil {
					return fmt.Errorf("inserting rows %d-%d: %w", start, end, err)
				}
				log.Info().Int("inserted", end).Int("total", len(txns)).Msg("batch inserted")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d transactions into %s.%s.%s\n",
				len(txns), cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset, cfg.BigQuery.Table)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "transactions JSON file")
	cmd.Flags().StringVar(&currencyCode, "currency", "INR", "ISO currency code stored with each row")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without inserting")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
