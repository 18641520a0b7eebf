package storage

import (
	"context"
	"fmt"
	"time"

	"crypto-news-analyzer/model"
)

// Stats aggregates article counts for articles fetched since the given
// time (zero means all time). Every registered source and every sentiment
// is present in the result, with zero counts when nothing matches.
func (db *DB) Stats(ctx context.Context, since time.Time) (*model.Stats, error) {
	stats := &model.Stats{
		BySource:    make(map[string]int),
		BySentiment: make(map[model.Sentiment]int, len(model.Sentiments)),
		Since:       since,
	}
	for _, s := range model.Sentiments {
		stats.BySentiment[s] = 0
	}
	sinceMs := int64(0)
	if !since.IsZero() {
		sinceMs = toMillis(since)
	}

	sources, err := db.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		stats.BySource[src.Name] = 0
	}

	rows, err := db.query(ctx, `
	SELECT source, status, COUNT(*)
	FROM articles WHERE fetched_at >= ?
	GROUP BY source, status`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("count articles: %w", err)
	}
	for rows.Next() {
		var source, status string
		var n int
		if err := rows.Scan(&source, &status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Total += n
		stats.BySource[source] += n
		switch model.Status(status) {
		case model.StatusAnalyzed:
			stats.Analyzed += n
		case model.StatusFailed:
			stats.Failed += n
		default:
			stats.Pending += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.query(ctx, `
	SELECT an.sentiment, COUNT(*)
	FROM analyses an JOIN articles a ON a.id = an.article_id
	WHERE a.fetched_at >= ?
	GROUP BY an.sentiment`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("count sentiments: %w", err)
	}
	for rows.Next() {
		var sentiment string
		var n int
		if err := rows.Scan(&sentiment, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.BySentiment[model.Sentiment(sentiment)] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = db.queryRow(ctx, `
	SELECT COALESCE(AVG(an.lexicon_score), 0)
	FROM analyses an JOIN articles a ON a.id = an.article_id
	WHERE a.fetched_at >= ?`, sinceMs).Scan(&stats.AverageLexiconScore)
	if err != nil {
		return nil, fmt.Errorf("average lexicon score: %w", err)
	}

	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	err = db.queryRow(ctx, `SELECT COUNT(*) FROM articles WHERE fetched_at >= ?`, toMillis(startOfDay)).Scan(&stats.Today)
	if err != nil {
		return nil, fmt.Errorf("count today: %w", err)
	}

	return stats, nil
}
