package main

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crypto-news-analyzer/api"
	"crypto-news-analyzer/bot"
	"crypto-news-analyzer/pipeline"
	"crypto-news-analyzer/scheduler"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var noBot bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled cycles, the HTTP API and the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				if addr == "" {
					addr = app.cfg.HTTPAddr
				}
				return serve(cmd.Context(), app, addr, !noBot)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from http_addr)")
	cmd.Flags().BoolVar(&noBot, "no-bot", false, "do not start the Telegram bot")
	return cmd
}

// serve runs until ctx is cancelled or one of the components fails.
func serve(ctx context.Context, app *App, addr string, withBot bool) error {
	cfg := app.cfg
	settings := &settingsStore{db: app.db}
	articles := &articleStore{db: app.db}

	var tg *tgbotapi.BotAPI
	var runnerOpts []pipeline.Option
	if withBot && cfg.TelegramToken != "" {
		var err error
		tg, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("initialize telegram bot: %w", err)
		}
		slog.Info("telegram bot initialized", "username", tg.Self.UserName)
		runnerOpts = append(runnerOpts, pipeline.WithNotifier(
			bot.NewNotifier(bot.NewTelegramSender(tg), settings, cfg.ChatID),
		))
	}

	sched, err := scheduler.NewScheduler(
		app.runner(runnerOpts...),
		cfg.FetchInterval,
		scheduler.WithRunOnStart(cfg.ShouldRunOnStart()),
	)
	if err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	engine := app.engine()
	server := api.NewServer(articles, engine, sched, app.registry, api.WithCORSOrigins(cfg.CORSOrigins))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx, addr)
	})
	if tg != nil {
		handler := bot.NewCommandHandler(bot.NewTelegramSender(tg), settings, sched, engine, app.registry, articles)
		g.Go(func() error {
			slog.Info("starting bot polling")
			bot.Poll(gctx, tg, handler)
			slog.Info("bot stopped")
			return nil
		})
	}

	slog.Info("crypto news analyzer running", "interval", cfg.FetchInterval, "addr", addr)
	return g.Wait()
}
