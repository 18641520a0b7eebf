package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"crypto-news-analyzer/model"
	"crypto-news-analyzer/sources"
	"crypto-news-analyzer/storage"
)

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and analyze news once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				report, err := app.runner().RunCycle(cmd.Context())
				if err != nil {
					return fmt.Errorf("run cycle: %w", err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about recent crypto news",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.RequireLLM(); err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(app *App) error {
				answer, err := app.engine().Answer(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				printAnswer(cmd.OutOrStdout(), answer)
				return nil
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var since time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show article and sentiment statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since < 0 {
				return errors.New("--since must not be negative")
			}
			return opts.withApp(cmd.Context(), func(app *App) error {
				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				stats, err := app.engine().Stats(cmd.Context(), from)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only count articles fetched within this duration (e.g. 24h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print statistics as JSON")
	return cmd
}

func newSourcesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage news sources",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				srcs, err := app.registry.List(cmd.Context())
				if err != nil {
					return err
				}
				printSources(cmd.OutOrStdout(), srcs)
				return nil
			})
		},
	}

	var srcType string
	var disabled bool
	add := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				src := model.Source{Name: args[0], URL: args[1], Type: model.SourceType(srcType), Enabled: !disabled}
				if err := app.registry.Add(cmd.Context(), src); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added source %s\n", src.Name)
				return nil
			})
		},
	}
	add.Flags().StringVar(&srcType, "type", string(model.SourceRSS), "source type: rss or json")
	add.Flags().BoolVar(&disabled, "disabled", false, "register the source without fetching it")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a source; its stored articles are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				if err := app.registry.Remove(cmd.Context(), args[0]); err != nil {
					return sourceCmdErr(args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed source %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, add, remove,
		newSetEnabledCmd(opts, "enable", true),
		newSetEnabledCmd(opts, "disable", false),
	)
	return cmd
}

func newSetEnabledCmd(opts *rootOptions, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				if err := app.registry.SetEnabled(cmd.Context(), args[0], enabled); err != nil {
					return sourceCmdErr(args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd source %s\n", use, args[0])
				return nil
			})
		},
	}
}

func sourceCmdErr(name string, err error) error {
	if errors.Is(err, sources.ErrNotFound) {
		return fmt.Errorf("source %q: %w", name, err)
	}
	return err
}

func newArticlesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "articles",
		Short: "Inspect stored articles",
	}

	var f struct {
		source    string
		sentiment string
		status    string
		limit     int
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored articles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.ArticleFilter{
				Source: f.source,
				Status: model.Status(strings.ToLower(f.status)),
				Limit:  f.limit,
			}
			switch filter.Status {
			case "", model.StatusPending, model.StatusAnalyzed, model.StatusFailed:
			default:
				return fmt.Errorf("--status must be pending, analyzed or failed, got %q", f.status)
			}
			if f.sentiment != "" {
				s, err := model.ParseSentiment(f.sentiment)
				if err != nil {
					return err
				}
				filter.Sentiment = s
			}
			return opts.withApp(cmd.Context(), func(app *App) error {
				articles, err := app.db.ListArticles(cmd.Context(), filter)
				if err != nil {
					return err
				}
				printArticles(cmd.OutOrStdout(), articles)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.source, "source", "", "only articles from this source")
	list.Flags().StringVar(&f.sentiment, "sentiment", "", "only articles with this sentiment")
	list.Flags().StringVar(&f.status, "status", "", "only articles in this state: pending, analyzed or failed")
	list.Flags().IntVar(&f.limit, "limit", 20, "maximum number of articles")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an article and its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				a, err := app.db.GetAnalyzedArticle(cmd.Context(), args[0])
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("article %q not found", args[0])
				}
				if err != nil {
					return err
				}
				printArticle(cmd.OutOrStdout(), a)
				return nil
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <id>",
		Short: "Queue an article for analysis again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				err := app.db.ResetAnalysis(cmd.Context(), args[0])
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("article %q not found", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "article %s queued for analysis\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, reset)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
