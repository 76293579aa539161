package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-assistant/internal/app"
	"github.com/dvloznov/finance-assistant/internal/config"
	"github.com/dvloznov/finance-assistant/internal/jobs"
	"github.com/dvloznov/finance-assistant/internal/logger"
)

func main() {
	var (
		cfgPath  string
		interval time.Duration
	)
	root := &cobra.Command{
		Use:   "worker",
		Short: "Rebuild the search index on a schedule and publish snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, interval, cmd.Flags().Changed("interval"))
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	root.Flags().DurationVar(&interval, "interval", time.Hour, "rebuild interval (overrides index.rebuild_interval)")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string, interval time.Duration, intervalSet bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logger.NewWithConfig(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if !intervalSet && cfg.Index.RebuildInterval > 0 {
		interval = cfg.Index.RebuildInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialise")
		return err
	}
	defer a.Close()

	if err := a.Queue.Start(ctx, a.HandleJob); err != nil {
		return err
	}
	log.Info().Dur("interval", interval).Msg("Worker service started")

	// The first rebuild runs immediately so a fresh snapshot exists for API instances.
	if err := a.Queue.PublishRebuild(ctx, &jobs.RebuildIndexJob{Reason: jobs.ReasonStartup}); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue startup rebuild")
	}
	go a.Schedule(ctx, interval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	log.Info().Msg("Worker service exited")
	return nil
}
