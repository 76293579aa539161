package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-assistant/internal/app"
	"github.com/dvloznov/finance-assistant/internal/config"
	"github.com/dvloznov/finance-assistant/internal/logger"
)

// globals holds the persistent flags.
type globals struct {
	cfgPath string
	verbose bool
}

func main() {
	g := &globals{}
	root := &cobra.Command{
		Use:           "cli",
		Short:         "Ask questions about your transactions from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.cfgPath, "config", "c", "", "config file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(askCmd(g), chatCmd(g), indexCmd(g), memoryCmd(g), loadCmd(g))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the config and builds a logger that writes to stderr so stdout stays clean.
func (g *globals) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.cfgPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.Log.Level
	if g.verbose {
		level = "debug"
	} else if level == "info" {
		level = "warn"
	}
	return cfg, logger.NewWithConfig(level, cfg.Log.Format, os.Stderr), nil
}

// open wires the app; bootstrap also brings the index up.
func (g *globals) open(ctx context.Context, bootstrap bool) (*app.App, error) {
	cfg, log, err := g.load()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if bootstrap {
		if err := a.Bootstrap(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}
