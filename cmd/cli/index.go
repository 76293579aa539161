package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-assistant/internal/gcs"
	"github.com/dvloznov/finance-assistant/internal/jobs"
)

func indexCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build, restore or export the transaction search index",
	}

	build := &cobra.Command{
		Use:   "build",
		Short: "Run a rebuild job: embed every transaction and upload a snapshot when snapshot.bucket is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.RunRebuild(cmd.Context(), jobs.ReasonCLI)
			if err != nil {
				return err
			}
			if job.Status != jobs.JobStatusCompleted {
				return fmt.Errorf("rebuild job %s failed after %d attempts: %s", job.JobID, job.RetryCount+1, job.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s built generation %d: %d documents (%s, %d dims)\n",
				job.JobID, job.Generation, job.Documents, a.Embedder.Model(), a.Embedder.Dimensions())
			return nil
		},
	}

	var restoreFile string
	restore := &cobra.Command{
		Use:   "restore",
		Short: "Check that a snapshot loads with the configured embedder",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if restoreFile == "" {
				gen, err := a.Builder.Restore(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %d documents from gs://%s/%s\n",
					gen.Documents, a.Config.Snapshot.Bucket, a.Config.Snapshot.Object)
				return nil
			}
			var r io.ReadCloser
			if strings.HasPrefix(restoreFile, "gs://") {
				bucket, object, err := gcs.ParseURI(restoreFile)
				if err != nil {
					return err
				}
				client, err := gcs.NewClient(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()
				if r, err = client.Download(cmd.Context(), bucket, object); err != nil {
					return err
				}
			} else if r, err = os.Open(restoreFile); err != nil {
				return err
			}
			defer r.Close()
			gen, err := a.Builder.RestoreFrom(r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d documents from %s\n", gen.Documents, restoreFile)
			return nil
		},
	}
	restore.Flags().StringVar(&restoreFile, "file", "", "snapshot file or gs://bucket/object (default: the configured snapshot)")

	var outFile string
	export := &cobra.Command{
		Use:   "export",
		Short: "Build the index and write its snapshot to a local file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Rebuild(cmd.Context()); err != nil {
				return err
			}
			f, err := os.Create(outFile)
			if err != nil {
				return err
			}
			gen, err := a.Builder.Export(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote generation %d (%d documents) to %s\n", gen.ID, gen.Documents, outFile)
			return nil
		},
	}
	export.Flags().StringVarP(&outFile, "out", "o", "index.snapshot", "output file")

	cmd.AddCommand(build, restore, export)
	return cmd
}
