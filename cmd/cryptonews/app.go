package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crypto-news-analyzer/analyzer"
	"crypto-news-analyzer/config"
	"crypto-news-analyzer/feed"
	"crypto-news-analyzer/llm"
	"crypto-news-analyzer/pipeline"
	"crypto-news-analyzer/query"
	"crypto-news-analyzer/scraper"
	"crypto-news-analyzer/sources"
	"crypto-news-analyzer/storage"
)

// App holds all application dependencies.
type App struct {
	cfg      *config.Config
	db       *storage.DB
	registry *sources.Registry
	// llm is nil when no API key is configured.
	llm *llm.Client
}

// newApp opens the database, seeds the source registry and builds the LLM
// client when credentials are present.
func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	dsn := cfg.DBPath
	if cfg.DBDriver == "postgres" {
		dsn = cfg.DBDSN
	}
	db, err := storage.Open(cfg.DBDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	slog.Debug("database initialized", "driver", db.Driver())

	registry := sources.NewRegistry(&sourceStore{db: db})
	if _, err := registry.Seed(ctx, cfg.Sources); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed sources: %w", err)
	}

	app := &App{cfg: cfg, db: db, registry: registry}
	if cfg.RequireLLM() == nil {
		opts := []llm.Option{
			llm.WithModel(cfg.Model),
			llm.WithTimeout(cfg.LLMTimeout()),
			llm.WithRateLimit(cfg.LLMRequestsPerMin, cfg.LLMBurst),
		}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.OpenAIBaseURL))
		}
		app.llm = llm.NewClient(cfg.OpenAIAPIKey, opts...)
	}
	return app, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.db.Close()
}

func (a *App) fetcher() *feed.Fetcher {
	extractor := scraper.NewScraper(
		scraper.WithTimeout(a.cfg.FetchTimeout()),
		scraper.WithMaxContentLength(a.cfg.MaxContentLength),
	)
	return feed.NewFetcher(a.db, extractor,
		feed.WithTimeout(a.cfg.FetchTimeout()),
		feed.WithMaxItems(a.cfg.MaxItemsPerSource),
		feed.WithMaxContentLength(a.cfg.MaxContentLength),
		feed.WithConcurrency(a.cfg.FetchConcurrency),
		feed.WithRetry(a.cfg.FetchRetries, time.Second, 8*time.Second),
	)
}

// analyzer returns nil when no LLM is configured; cycles then only fetch.
func (a *App) analyzer() pipeline.Analyzer {
	if a.llm == nil {
		return nil
	}
	return analyzer.NewAnalyzer(a.llm,
		analyzer.WithMaxInputLength(a.cfg.MaxContentLength),
		analyzer.WithConcurrency(a.cfg.AnalysisConcurrency),
		analyzer.WithBatchSize(a.cfg.AnalysisBatchSize),
		analyzer.WithMaxAttempts(a.cfg.MaxAnalysisAttempts),
	)
}

func (a *App) runner(opts ...pipeline.Option) *pipeline.Runner {
	an := a.analyzer()
	if an == nil {
		slog.Warn("no LLM API key configured, articles will be fetched but not analyzed")
	}
	return pipeline.NewRunner(a.registry, a.fetcher(), an, a.db, opts...)
}

// engine builds the query engine. Stats work without an LLM; answering
// questions requires one.
func (a *App) engine() *query.Engine {
	var completer query.Completer
	if a.llm != nil {
		completer = a.llm
	}
	return query.NewEngine(&queryStore{db: a.db}, completer,
		query.WithCacheTTL(a.cfg.QueryCacheTTL),
		query.WithContextArticles(a.cfg.QueryContextArticles),
		query.WithWindow(a.cfg.QueryWindow),
		query.WithTimeout(a.cfg.QueryTimeout()),
	)
}
