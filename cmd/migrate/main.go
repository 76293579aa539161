// Command migrate applies the embedded BigQuery schema migrations in order.
package main

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-assistant/internal/config"
	"github.com/dvloznov/finance-assistant/internal/logger"
)

//go:embed migrations/*.sql
var embedded embed.FS

// filenamePattern matches migration files such as 0001_name.sql.
var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is a single migration file with placeholders already expanded.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// target names where migrations run.
type target struct {
	ProjectID string
	Dataset   string
	Table     string
}

func (t target) expand(sql string) string {
	return strings.NewReplacer(
		"{{PROJECT_ID}}", t.ProjectID,
		"{{DATASET_ID}}", t.Dataset,
		"{{TABLE}}", t.Table,
	).Replace(sql)
}

func (t target) migrationsTable() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", t.ProjectID, t.Dataset)
}

func main() {
	var (
		cfgPath   string
		appliedBy string
		dryRun    bool
		tgt       target
	)
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply BigQuery schema migrations",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log := logger.NewWithConfig(cfg.Log.Level, cfg.Log.Format, os.Stderr)

			if tgt.ProjectID == "" {
				tgt.ProjectID = cfg.BigQuery.ProjectID
			}
			if tgt.Dataset == "" {
				tgt.Dataset = cfg.BigQuery.Dataset
			}
			if tgt.Table == "" {
				tgt.Table = cfg.BigQuery.Table
			}
			if tgt.ProjectID == "" {
				return fmt.Errorf("a project is required (--project or bigquery.project_id)")
			}

			migrations, err := loadMigrations(embedded, tgt)
			if err != nil {
				return err
			}
			log.Info().Int("count", len(migrations)).Msg("found migrations")
			if dryRun {
				for _, m := range migrations {
					fmt.Fprintf(cmd.OutOrStdout(), "-- %s (sha256 %s)\n%s\n", m.Filename, m.Checksum[:12], m.SQL)
				}
				return nil
			}
			return run(cmd.Context(), tgt, migrations, appliedBy, log)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	cmd.Flags().StringVar(&tgt.ProjectID, "project", "", "GCP project ID (default bigquery.project_id)")
	cmd.Flags().StringVar(&tgt.Dataset, "dataset", "", "BigQuery dataset (default bigquery.dataset)")
	cmd.Flags().StringVar(&tgt.Table, "table", "", "transactions table (default bigquery.table)")
	cmd.Flags().StringVar(&appliedBy, "applied-by", "migrate-cli", "name recorded with each applied migration")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the expanded SQL without running it")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, tgt target, migrations []Migration, appliedBy string, log zerolog.Logger) error {
	client, err := bigquery.NewClient(ctx, tgt.ProjectID)
	if err != nil {
		return fmt.Errorf("creating BigQuery client: %w", err)
	}
	defer client.Close()

	log.Info().Str("project", tgt.ProjectID).Str("dataset", tgt.Dataset).Msg("connected to BigQuery")

	applied, err := getAppliedMigrations(ctx, client, tgt)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(migrations, applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		mlog := log.With().Int("version", m.Version).Str("name", m.Name).Logger()
		mlog.Info().Msg("applying migration")
		if err := execute(ctx, client, m.SQL, nil); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, err)
		}
		if err := recordMigration(ctx, client, tgt, m, appliedBy); err != nil {
			return fmt.Errorf("recording %04d_%s: %w", m.Version, m.Name, err)
		}
		mlog.Info().Msg("migration applied")
	}

	if len(pending) == 0 {
		log.Info().Msg("no new migrations to apply")
	} else {
		log.Info().Int("applied", len(pending)).Msg("migrations applied")
	}
	return nil
}

// loadMigrations reads every migration in fsys, sorted by version.
// Checksums cover the file before placeholder expansion, so one migration
// has the same checksum in every project.
func loadMigrations(fsys fs.FS, tgt target) ([]Migration, error) {
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	seen := make(map[int]string)
	for _, path := range files {
		name := path[strings.LastIndex(path, "/")+1:]
		version, label, ok := parseFilename(name)
		if !ok {
			return nil, fmt.Errorf("invalid migration filename %q", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     label,
			Filename: name,
			SQL:      tgt.expand(string(content)),
			Checksum: checksum(content),
		})
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

func parseFilename(name string) (int, string, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v == 0 {
		return 0, "", false
	}
	return v, m[2], true
}

func checksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// pendingMigrations drops applied versions. An applied migration whose file
// changed since is an error rather than a silent skip.
func pendingMigrations(all []Migration, applied []AppliedMigration) ([]Migration, error) {
	done := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		done[am.Version] = am
	}
	var pending []Migration
	for _, m := range all {
		am, ok := done[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("migration %04d_%s changed after it was applied", m.Version, m.Name)
		}
	}
	return pending, nil
}

func getAppliedMigrations(ctx context.Context, client *bigquery.Client, tgt target) ([]AppliedMigration, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, tgt.migrationsTable()))
	it, err := q.Read(ctx)
	if err != nil {
		// First run: the bookkeeping table comes from migration 0001.
		if strings.Contains(err.Error(), "Not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func recordMigration(ctx context.Context, client *bigquery.Client, tgt target, m Migration, appliedBy string) error {
	return execute(ctx, client, fmt.Sprintf(`
		INSERT INTO %s
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, tgt.migrationsTable()), []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	})
}

// execute runs one statement and waits for the job.
func execute(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) error {
	q := client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
