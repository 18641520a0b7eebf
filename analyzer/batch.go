package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"crypto-news-analyzer/llm"
	"crypto-news-analyzer/model"
)

// Store provides the persistence the batch pass needs.
type Store interface {
	GetUnanalyzedArticles(ctx context.Context, limit int) ([]model.Article, error)
	SaveAnalysis(ctx context.Context, analysis *model.Analysis) error
	RecordAnalysisFailure(ctx context.Context, articleID, reason string, maxAttempts int) (model.Status, error)
}

// BatchResult counts the outcome of one AnalyzePending pass.
type BatchResult struct {
	Processed int
	Analyzed  int
	// Retrying articles failed to parse but have attempts left.
	Retrying int
	// Failed articles reached the attempt limit.
	Failed int
	// Deferred articles hit a transient model error and stay pending
	// without consuming an attempt.
	Deferred int
}

// AnalyzePending analyzes up to one batch of pending articles, oldest first.
// Malformed responses count against the article's attempt budget;
// transient model errors leave the article pending for the next pass.
// A rejected API key aborts the pass.
func (a *Analyzer) AnalyzePending(ctx context.Context, store Store) (*BatchResult, error) {
	articles, err := store.GetUnanalyzedArticles(ctx, a.batchSize)
	if err != nil {
		return nil, err
	}
	result := &BatchResult{}
	if len(articles) == 0 {
		return result, nil
	}

	slog.Info("analyzing pending articles", "count", len(articles), "concurrency", a.concurrency)

	var mu sync.Mutex
	count := func(fn func(r *BatchResult)) {
		mu.Lock()
		fn(result)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i := range articles {
		article := &articles[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return a.processOne(gctx, store, article, count)
		})
	}
	err = g.Wait()

	slog.Info("analysis pass complete",
		"processed", result.Processed,
		"analyzed", result.Analyzed,
		"retrying", result.Retrying,
		"failed", result.Failed,
		"deferred", result.Deferred,
	)

	if err != nil {
		return result, err
	}
	return result, ctx.Err()
}

func (a *Analyzer) processOne(ctx context.Context, store Store, article *model.Article, count func(func(*BatchResult))) error {
	analysis, err := a.Analyze(ctx, article)

	var analysisErr *AnalysisError
	switch {
	case err == nil:
		if err := store.SaveAnalysis(ctx, analysis); err != nil {
			slog.Error("failed to save analysis", "article_id", article.ID, "error", err)
			count(func(r *BatchResult) { r.Processed++; r.Deferred++ })
			return nil
		}
		count(func(r *BatchResult) { r.Processed++; r.Analyzed++ })
		slog.Debug("article analyzed", "article_id", article.ID, "sentiment", analysis.Sentiment)
		return nil

	case errors.As(err, &analysisErr):
		status, recErr := store.RecordAnalysisFailure(ctx, article.ID, analysisErr.Reason, a.maxAttempts)
		if recErr != nil {
			slog.Error("failed to record analysis failure", "article_id", article.ID, "error", recErr)
			count(func(r *BatchResult) { r.Processed++; r.Deferred++ })
			return nil
		}
		slog.Warn("malformed analysis response",
			"article_id", article.ID,
			"attempt", article.Attempts+1,
			"status", status,
			"reason", analysisErr.Reason,
		)
		count(func(r *BatchResult) {
			r.Processed++
			if status == model.StatusFailed {
				r.Failed++
			} else {
				r.Retrying++
			}
		})
		return nil

	case errors.Is(err, llm.ErrUnauthorized):
		return err

	case ctx.Err() != nil:
		return nil

	case llm.IsRetryable(err):
		slog.Warn("analysis deferred", "article_id", article.ID, "error", err)
		count(func(r *BatchResult) { r.Processed++; r.Deferred++ })
		return nil

	default:
		// Request rejected for this article (e.g. 400); charged as an attempt.
		status, recErr := store.RecordAnalysisFailure(ctx, article.ID, err.Error(), a.maxAttempts)
		if recErr != nil {
			slog.Error("failed to record analysis failure", "article_id", article.ID, "error", recErr)
		}
		slog.Warn("analysis request rejected", "article_id", article.ID, "status", status, "error", err)
		count(func(r *BatchResult) {
			r.Processed++
			if status == model.StatusFailed {
				r.Failed++
			} else {
				r.Retrying++
			}
		})
		return nil
	}
}
