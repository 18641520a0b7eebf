package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crypto-news-analyzer/model"
)

// SaveAnalysis stores the analysis for an article and marks the article
// analyzed in the same transaction. An existing analysis is overwritten.
func (db *DB) SaveAnalysis(ctx context.Context, an *model.Analysis) error {
	topics, err := encodeList(an.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	assets, err := encodeList(an.MentionedAssets)
	if err != nil {
		return fmt.Errorf("marshal assets: %w", err)
	}
	if an.AnalyzedAt.IsZero() {
		an.AnalyzedAt = time.Now().UTC()
	}

	return db.withTx(ctx, func(tx *txn) error {
		res, err := tx.exec(ctx, `
		UPDATE articles SET status = ?, last_error = ''
		WHERE id = ?`, string(model.StatusAnalyzed), an.ArticleID)
		if err != nil {
			return fmt.Errorf("mark article analyzed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		_, err = tx.exec(ctx, `
		INSERT INTO analyses (article_id, summary, sentiment, topics, mentioned_assets, market_implication, lexicon_score, model, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(article_id) DO UPDATE SET
			summary = excluded.summary,
			sentiment = excluded.sentiment,
			topics = excluded.topics,
			mentioned_assets = excluded.mentioned_assets,
			market_implication = excluded.market_implication,
			lexicon_score = excluded.lexicon_score,
			model = excluded.model,
			analyzed_at = excluded.analyzed_at
		`,
			an.ArticleID,
			an.Summary,
			string(an.Sentiment),
			topics,
			assets,
			an.MarketImplication,
			an.LexiconScore,
			an.Model,
			toMillis(an.AnalyzedAt),
		)
		if err != nil {
			return fmt.Errorf("save analysis: %w", err)
		}
		return nil
	})
}

// GetAnalysis retrieves the analysis for an article.
func (db *DB) GetAnalysis(ctx context.Context, articleID string) (*model.Analysis, error) {
	item, err := db.GetAnalyzedArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if item.Analysis == nil {
		return nil, ErrNotFound
	}
	return item.Analysis, nil
}

// RecordAnalysisFailure counts a failed analysis attempt. Once the attempt
// count reaches maxAttempts the article is marked failed and is no longer
// returned by GetUnanalyzedArticles. It returns the resulting status.
func (db *DB) RecordAnalysisFailure(ctx context.Context, articleID, reason string, maxAttempts int) (model.Status, error) {
	var status model.Status
	err := db.withTx(ctx, func(tx *txn) error {
		var attempts int
		err := tx.queryRow(ctx, `SELECT attempts FROM articles WHERE id = ?`, articleID).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read attempts: %w", err)
		}

		attempts++
		status = model.StatusPending
		if maxAttempts > 0 && attempts >= maxAttempts {
			status = model.StatusFailed
		}

		_, err = tx.exec(ctx, `
		UPDATE articles SET attempts = ?, status = ?, last_error = ?
		WHERE id = ?`, attempts, string(status), reason, articleID)
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return nil
	})
	return status, err
}

// ResetAnalysis returns an article to pending with a fresh attempt budget
// and removes any stored analysis.
func (db *DB) ResetAnalysis(ctx context.Context, articleID string) error {
	return db.withTx(ctx, func(tx *txn) error {
		res, err := tx.exec(ctx, `
		UPDATE articles SET status = ?, attempts = 0, last_error = ''
		WHERE id = ?`, string(model.StatusPending), articleID)
		if err != nil {
			return fmt.Errorf("reset article: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.exec(ctx, `DELETE FROM analyses WHERE article_id = ?`, articleID); err != nil {
			return fmt.Errorf("delete analysis: %w", err)
		}
		return nil
	})
}
