package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"crypto-news-analyzer/config"
	"crypto-news-analyzer/logging"
)

var (
	version = "dev"
	commit  = "none"
)

// rootOptions carries the flags and configuration shared by every command.
type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cryptonews",
		Short: "Crypto news aggregator with LLM analysis",
		Long: "cryptonews fetches crypto news from RSS and JSON sources, analyzes each article " +
			"with a language model and answers questions about recent coverage.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default $CRYPTONEWS_CONFIG or ./config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newFetchCmd(opts),
		newAskCmd(opts),
		newStatsCmd(opts),
		newSourcesCmd(opts),
		newArticlesCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip config loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cryptonews %s (commit: %s)\n", version, commit)
		},
	}
}

func (o *rootOptions) load() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	path := o.configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	slog.Debug("config loaded", "path", path)

	o.cfg = cfg
	return nil
}

// withApp opens the application for the duration of fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(*App) error) error {
	app, err := newApp(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
