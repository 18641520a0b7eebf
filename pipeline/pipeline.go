package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crypto-news-analyzer/analyzer"
	"crypto-news-analyzer/feed"
	"crypto-news-analyzer/model"
)

// SourceLister returns the sources to fetch on each cycle.
type SourceLister interface {
	Enabled(ctx context.Context) ([]model.Source, error)
}

// Fetcher retrieves new articles from a set of sources.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []model.Source) *feed.Result
}

// Analyzer analyzes pending articles in batches.
type Analyzer interface {
	AnalyzePending(ctx context.Context, store analyzer.Store) (*analyzer.BatchResult, error)
}

// Store provides persistence operations.
type Store interface {
	analyzer.Store
	InsertArticles(ctx context.Context, articles []model.Article) ([]model.Article, error)
	PurgeQueryCache(ctx context.Context) (int64, error)
}

// Notifier is told about every completed cycle.
type Notifier interface {
	NotifyCycle(ctx context.Context, report *Report) error
}

// FailedSource names a source whose fetch failed during a cycle.
type FailedSource struct {
	Name      string `json:"name"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
}

// Report summarizes one fetch-and-analyze cycle.
type Report struct {
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	Sources        int            `json:"sources"`
	FailedSources  []FailedSource `json:"failed_sources,omitempty"`
	Fetched        int            `json:"fetched"`
	Inserted       int            `json:"inserted"`
	Analyzed       int            `json:"analyzed"`
	Retrying       int            `json:"retrying"`
	AnalysisFailed int            `json:"analysis_failed"`
	Deferred       int            `json:"deferred"`
	// AnalysisError is set when the analysis stage stopped early.
	AnalysisError string `json:"analysis_error,omitempty"`
	// NewArticles are the articles stored by this cycle.
	NewArticles []model.Article `json:"-"`
}

// Runner orchestrates the fetch-and-analyze workflow.
type Runner struct {
	sources   SourceLister
	fetcher   Fetcher
	analyzer  Analyzer
	store     Store
	notifier  Notifier
	maxPasses int
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithNotifier sets who is told about completed cycles.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithMaxAnalysisPasses bounds how many analyzer batches one cycle runs.
func WithMaxAnalysisPasses(n int) Option {
	return func(r *Runner) {
		r.maxPasses = n
	}
}

// NewRunner creates a new cycle runner. A nil analyzer skips the analysis stage.
func NewRunner(sources SourceLister, fetcher Fetcher, an Analyzer, store Store, opts ...Option) *Runner {
	r := &Runner{
		sources:   sources,
		fetcher:   fetcher,
		analyzer:  an,
		store:     store,
		maxPasses: 10,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunCycle fetches every enabled source, stores new articles and analyzes
// whatever is pending. Failing sources and articles are reported, not
// returned; the error is non-nil only when the cycle could not start.
func (r *Runner) RunCycle(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{StartedAt: start.UTC()}

	srcs, err := r.sources.Enabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	report.Sources = len(srcs)
	slog.Info("starting cycle", "sources", len(srcs))

	// Step 1: Fetch
	if len(srcs) > 0 {
		result := r.fetcher.FetchAll(ctx, srcs)
		report.Fetched = len(result.Articles)
		for _, fe := range result.Errors {
			report.FailedSources = append(report.FailedSources, FailedSource{
				Name:      fe.Source,
				Error:     fe.Err.Error(),
				Permanent: fe.Permanent,
			})
		}

		// Step 2: Store
		if len(result.Articles) > 0 {
			inserted, err := r.store.InsertArticles(ctx, result.Articles)
			if err != nil {
				slog.Error("failed to store some fetched articles", "fetched", len(result.Articles), "stored", len(inserted), "error", err)
			}
			report.Inserted = len(inserted)
			report.NewArticles = inserted
		}
	}

	// Step 3: Invalidate cached answers
	if report.Inserted > 0 {
		purged, err := r.store.PurgeQueryCache(ctx)
		if err != nil {
			slog.Warn("failed to purge query cache", "error", err)
		} else if purged > 0 {
			slog.Debug("purged query cache", "entries", purged)
		}
	}

	// Step 4: Analyze
	if r.analyzer != nil && ctx.Err() == nil {
		r.analyze(ctx, report)
	}

	report.Duration = r.now().Sub(start)
	slog.Info("cycle complete",
		"sources", report.Sources,
		"failed_sources", len(report.FailedSources),
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"analyzed", report.Analyzed,
		"analysis_failed", report.AnalysisFailed,
		"deferred", report.Deferred,
		"duration", report.Duration,
	)

	if r.notifier != nil && ctx.Err() == nil {
		if err := r.notifier.NotifyCycle(ctx, report); err != nil {
			slog.Warn("failed to send cycle notification", "error", err)
		}
	}

	return report, ctx.Err()
}

// analyze runs batches until one comes back without a clean success, so a
// malformed article is retried on the next cycle rather than this one.
func (r *Runner) analyze(ctx context.Context, report *Report) {
	for pass := 0; pass < r.maxPasses; pass++ {
		res, err := r.analyzer.AnalyzePending(ctx, r.store)
		if res != nil {
			report.Analyzed += res.Analyzed
			report.Retrying += res.Retrying
			report.AnalysisFailed += res.Failed
			report.Deferred += res.Deferred
		}
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("analysis stopped", "error", err)
				report.AnalysisError = err.Error()
			}
			return
		}
		if res.Analyzed == 0 || res.Analyzed != res.Processed {
			return
		}
	}
}
