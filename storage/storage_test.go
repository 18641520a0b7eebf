package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-news-analyzer/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newArticle(source, url string, fetchedAt time.Time) *model.Article {
	return &model.Article{
		Source:    source,
		Title:     "Title for " + url,
		URL:       url,
		Body:      "Body for " + url,
		FetchedAt: fetchedAt,
	}
}

func TestNewDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, table := range []string{"articles", "analyses", "query_cache", "sources", "settings"} {
		_, err := db.conn.ExecContext(ctx, "SELECT 1 FROM "+table+" LIMIT 1")
		assert.NoError(t, err, "table %s not created", table)
	}
	assert.Equal(t, "sqlite", db.Driver())
	assert.NoError(t, db.Ping(ctx))
}

func TestNewDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.InsertArticle(context.Background(), newArticle("decrypt", "https://d/1", time.Now())))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	ok, err := db.ArticleExists(context.Background(), "decrypt", "https://d/1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.Rebind("SELECT * FROM a WHERE x = ? AND y IN (?, ?)")
	assert.Equal(t, "SELECT * FROM a WHERE x = $1 AND y IN ($2, $3)", got)
	assert.Equal(t, "SELECT 1", sqliteDialect{}.Rebind("SELECT 1"))
}

func TestInsertArticle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	published := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	article := newArticle("decrypt", "https://decrypt.co/a", time.Now())
	article.PublishedAt = &published

	require.NoError(t, db.InsertArticle(ctx, article))
	assert.Equal(t, model.ArticleID("decrypt", "https://decrypt.co/a"), article.ID)

	got, err := db.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, article.Title, got.Title)
	assert.Equal(t, article.Body, got.Body)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.False(t, got.Analyzed())
	require.NotNil(t, got.PublishedAt)
	assert.True(t, published.Equal(*got.PublishedAt))

	dup := newArticle("decrypt", "https://decrypt.co/a", time.Now())
	assert.ErrorIs(t, db.InsertArticle(ctx, dup), ErrDuplicate)

	other := newArticle("theblock", "https://decrypt.co/a", time.Now())
	assert.NoError(t, db.InsertArticle(ctx, other), "same URL from another source is a distinct article")

	_, err = db.GetArticle(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertArticlesSkipsDuplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.InsertArticle(ctx, newArticle("decrypt", "https://d/1", now)))

	batch := []model.Article{
		*newArticle("decrypt", "https://d/1", now),
		*newArticle("decrypt", "https://d/2", now),
		*newArticle("decrypt", "https://d/3", now),
	}
	inserted, err := db.InsertArticles(ctx, batch)
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.Equal(t, "https://d/2", inserted[0].URL)
	assert.NotEmpty(t, inserted[0].ID)

	inserted, err = db.InsertArticles(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, inserted)
}

func TestInsertArticlesKeepsRowsAroundAFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.exec(ctx, `CREATE TRIGGER reject_article BEFORE INSERT ON articles
		WHEN NEW.url = 'https://d/bad'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	batch := []model.Article{
		*newArticle("decrypt", "https://d/1", now),
		*newArticle("decrypt", "https://d/bad", now),
		*newArticle("decrypt", "https://d/2", now),
	}
	inserted, err := db.InsertArticles(ctx, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https://d/bad")
	require.Len(t, inserted, 2)
	assert.Equal(t, "https://d/1", inserted[0].URL)
	assert.Equal(t, "https://d/2", inserted[1].URL)

	for _, url := range []string{"https://d/1", "https://d/2"} {
		ok, err := db.ArticleExists(ctx, "decrypt", url)
		require.NoError(t, err)
		assert.True(t, ok, url)
	}
}

func TestGetUnanalyzedArticlesOldestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, db.InsertArticle(ctx, newArticle("s", "https://x/new", base.Add(30*time.Minute))))
	require.NoError(t, db.InsertArticle(ctx, newArticle("s", "https://x/old", base)))
	require.NoError(t, db.InsertArticle(ctx, newArticle("s", "https://x/mid", base.Add(10*time.Minute))))

	got, err := db.GetUnanalyzedArticles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "https://x/old", got[0].URL)
	assert.Equal(t, "https://x/mid", got[1].URL)
	assert.Equal(t, "https://x/new", got[2].URL)

	got, err = db.GetUnanalyzedArticles(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSaveAnalysisMarksArticleAnalyzed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	article := newArticle("decrypt", "https://d/1", time.Now())
	require.NoError(t, db.InsertArticle(ctx, article))

	an := &model.Analysis{
		ArticleID:         article.ID,
		Summary:           "Bitcoin rallies",
		Sentiment:         model.Bullish,
		Topics:            []string{"etf", "macro"},
		MentionedAssets:   []string{"BTC"},
		MarketImplication: "Upside momentum",
		LexiconScore:      0.4,
		Model:             "gpt-4.1-mini",
	}
	require.NoError(t, db.SaveAnalysis(ctx, an))

	got, err := db.GetAnalyzedArticle(ctx, article.ID)
	require.NoError(t, err)
	assert.True(t, got.Analyzed())
	require.NotNil(t, got.Analysis)
	assert.Equal(t, model.Bullish, got.Analysis.Sentiment)
	assert.Equal(t, []string{"etf", "macro"}, got.Analysis.Topics)
	assert.Equal(t, []string{"BTC"}, got.Analysis.MentionedAssets)
	assert.InDelta(t, 0.4, got.Analysis.LexiconScore, 1e-9)

	pending, err := db.GetUnanalyzedArticles(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Re-analysis overwrites the single row.
	an.Sentiment = model.Bearish
	an.Summary = "Bitcoin slips"
	require.NoError(t, db.SaveAnalysis(ctx, an))

	var count int
	require.NoError(t, db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM analyses WHERE article_id = ?", article.ID).Scan(&count))
	assert.Equal(t, 1, count)

	stored, err := db.GetAnalysis(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Bearish, stored.Sentiment)
	assert.Equal(t, "Bitcoin slips", stored.Summary)
}

func TestSaveAnalysisUnknownArticle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.SaveAnalysis(ctx, &model.Analysis{ArticleID: "nope", Summary: "s", Sentiment: model.Neutral})
	assert.ErrorIs(t, err, ErrNotFound)

	var count int
	require.NoError(t, db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM analyses").Scan(&count))
	assert.Zero(t, count)
}

func TestEveryAnalyzedArticleHasOneAnalysis(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := newArticle("s", fmt.Sprintf("https://x/%d", i), time.Now())
		require.NoError(t, db.InsertArticle(ctx, a))
		if i%2 == 0 {
			require.NoError(t, db.SaveAnalysis(ctx, &model.Analysis{ArticleID: a.ID, Summary: "s", Sentiment: model.Neutral}))
		}
	}

	var orphans int
	require.NoError(t, db.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM articles a
	WHERE a.status = 'analyzed'
	AND (SELECT COUNT(*) FROM analyses an WHERE an.article_id = a.id) <> 1`).Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestRecordAnalysisFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	article := newArticle("s", "https://x/1", time.Now())
	require.NoError(t, db.InsertArticle(ctx, article))

	status, err := db.RecordAnalysisFailure(ctx, article.ID, "missing sentiment", 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)

	status, err = db.RecordAnalysisFailure(ctx, article.ID, "missing sentiment", 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)

	pending, err := db.GetUnanalyzedArticles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	status, err = db.RecordAnalysisFailure(ctx, article.ID, "missing sentiment", 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)

	got, err := db.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "missing sentiment", got.LastError)

	pending, err = db.GetUnanalyzedArticles(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed articles are excluded from automatic retries")

	require.NoError(t, db.ResetAnalysis(ctx, article.ID))
	got, err = db.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	_, err = db.RecordAnalysisFailure(ctx, "missing", "x", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.ResetAnalysis(ctx, "missing"), ErrNotFound)
}

func TestListArticlesFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	a1 := newArticle("decrypt", "https://d/1", now.Add(-2*time.Hour))
	a2 := newArticle("theblock", "https://b/1", now.Add(-time.Hour))
	a3 := newArticle("decrypt", "https://d/2", now)
	for _, a := range []*model.Article{a1, a2, a3} {
		require.NoError(t, db.InsertArticle(ctx, a))
	}
	require.NoError(t, db.SaveAnalysis(ctx, &model.Analysis{ArticleID: a1.ID, Summary: "s", Sentiment: model.Bearish}))
	require.NoError(t, db.SaveAnalysis(ctx, &model.Analysis{ArticleID: a3.ID, Summary: "s", Sentiment: model.Bullish}))

	all, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a3.ID, all[0].ID, "newest first")
	assert.Nil(t, all[1].Analysis)

	bySource, err := db.ListArticles(ctx, ArticleFilter{Source: "decrypt"})
	require.NoError(t, err)
	assert.Len(t, bySource, 2)

	bearish, err := db.ListArticles(ctx, ArticleFilter{Sentiment: model.Bearish})
	require.NoError(t, err)
	require.Len(t, bearish, 1)
	assert.Equal(t, a1.ID, bearish[0].ID)

	pending, err := db.ListArticles(ctx, ArticleFilter{Status: model.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a2.ID, pending[0].ID)

	recent, err := db.ListArticles(ctx, ArticleFilter{Since: now.Add(-90 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, a3.ID, recent[0].ID)
}

func TestSearchArticles(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	eth := newArticle("decrypt", "https://d/eth", now)
	eth.Title = "Ethereum upgrade ships"
	btc := newArticle("decrypt", "https://d/btc", now.Add(-time.Hour))
	btc.Title = "Markets wobble"
	old := newArticle("decrypt", "https://d/old", now.Add(-30*24*time.Hour))
	old.Title = "Ethereum history"
	for _, a := range []*model.Article{eth, btc, old} {
		require.NoError(t, db.InsertArticle(ctx, a))
	}
	require.NoError(t, db.SaveAnalysis(ctx, &model.Analysis{
		ArticleID:       btc.ID,
		Summary:         "Bitcoin ETF flows turn negative",
		Sentiment:       model.Bearish,
		MentionedAssets: []string{"BTC"},
	}))

	week := now.Add(-7 * 24 * time.Hour)

	got, err := db.SearchArticles(ctx, []string{"ethereum"}, week, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eth.ID, got[0].ID)

	got, err = db.SearchArticles(ctx, []string{"etf"}, week, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "matches the analysis summary")
	assert.Equal(t, btc.ID, got[0].ID)

	got, err = db.SearchArticles(ctx, []string{"btc", "ethereum"}, week, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = db.SearchArticles(ctx, nil, week, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2, "no terms returns recent articles")

	got, err = db.SearchArticles(ctx, []string{"100%"}, week, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "wildcards in terms are escaped")
}

func TestQueryCache(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetCachedAnswer(ctx, "k", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	entry := &model.CachedAnswer{
		Key:        "k",
		Question:   "what about btc?",
		Answer:     "BTC is up.",
		ArticleIDs: []string{"a", "b"},
	}
	require.NoError(t, db.PutCachedAnswer(ctx, entry))

	got, err := db.GetCachedAnswer(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "BTC is up.", got.Answer)
	assert.Equal(t, []string{"a", "b"}, got.ArticleIDs)

	stale := &model.CachedAnswer{Key: "old", Question: "q", Answer: "a", CreatedAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, db.PutCachedAnswer(ctx, stale))
	_, err = db.GetCachedAnswer(ctx, "old", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetCachedAnswer(ctx, "old", 0)
	assert.NoError(t, err, "zero max age disables expiry")

	n, err := db.PurgeQueryCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = db.GetCachedAnswer(ctx, "k", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSources(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	src := model.Source{Name: "decrypt", Type: model.SourceRSS, URL: "https://decrypt.co/feed", Enabled: true}
	require.NoError(t, db.AddSource(ctx, src))
	assert.ErrorIs(t, db.AddSource(ctx, src), ErrDuplicate)

	require.NoError(t, db.AddSource(ctx, model.Source{Name: "api", Type: model.SourceJSON, URL: "https://api.example/news"}))

	list, err := db.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].Name)
	assert.False(t, list[0].Enabled)
	assert.Equal(t, model.SourceRSS, list[1].Type)
	assert.True(t, list[1].Enabled)

	require.NoError(t, db.SetSourceEnabled(ctx, "api", true))
	list, err = db.ListSources(ctx)
	require.NoError(t, err)
	assert.True(t, list[0].Enabled)

	require.NoError(t, db.RemoveSource(ctx, "api"))
	assert.ErrorIs(t, db.RemoveSource(ctx, "api"), ErrNotFound)
	assert.ErrorIs(t, db.SetSourceEnabled(ctx, "api", false), ErrNotFound)

	n, err := db.CountSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetSetting(ctx, "chat_id")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SetSetting(ctx, "chat_id", "1"))
	require.NoError(t, db.SetSetting(ctx, "chat_id", "2"))
	v, err := db.GetSetting(ctx, "chat_id")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestStatsEmptyStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.AddSource(ctx, model.Source{Name: "decrypt", Type: model.SourceRSS, URL: "https://decrypt.co/feed", Enabled: true}))

	stats, err := db.Stats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.Today)
	assert.Equal(t, map[string]int{"decrypt": 0}, stats.BySource)
	assert.Equal(t, map[model.Sentiment]int{model.Bullish: 0, model.Bearish: 0, model.Neutral: 0}, stats.BySentiment)
	assert.Zero(t, stats.AverageLexiconScore)
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.AddSource(ctx, model.Source{Name: "decrypt", Type: model.SourceRSS, URL: "https://decrypt.co/feed", Enabled: true}))
	require.NoError(t, db.AddSource(ctx, model.Source{Name: "quiet", Type: model.SourceRSS, URL: "https://quiet.example/feed", Enabled: true}))

	a1 := newArticle("decrypt", "https://d/1", now)
	a2 := newArticle("decrypt", "https://d/2", now)
	a3 := newArticle("theblock", "https://b/1", now)
	old := newArticle("decrypt", "https://d/old", now.Add(-10*24*time.Hour))
	for _, a := range []*model.Article{a1, a2, a3, old} {
		require.NoError(t, db.InsertArticle(ctx, a))
	}
	require.NoError(t, db.SaveAnalysis(ctx, &model.Analysis{ArticleID: a1.ID, Summary: "s", Sentiment: model.Bullish, LexiconScore: 0.5}))
	require.NoError(t, db.SaveAnalysis(ctx, &model.Analysis{ArticleID: a2.ID, Summary: "s", Sentiment: model.Bullish, LexiconScore: -0.1}))
	_, err := db.RecordAnalysisFailure(ctx, a3.ID, "bad", 1)
	require.NoError(t, err)

	stats, err := db.Stats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Analyzed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 2, stats.BySource["decrypt"])
	assert.Equal(t, 1, stats.BySource["theblock"])
	assert.Equal(t, 0, stats.BySource["quiet"])
	assert.Equal(t, 2, stats.BySentiment[model.Bullish])
	assert.Equal(t, 0, stats.BySentiment[model.Bearish])
	assert.InDelta(t, 0.2, stats.AverageLexiconScore, 1e-9)

	all, err := db.Stats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, 1, all.Pending)
}

func TestConcurrentWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		a := newArticle("s", fmt.Sprintf("https://x/%d", i), time.Now())
		require.NoError(t, db.InsertArticle(ctx, a))
		ids = append(ids, a.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- db.SaveAnalysis(ctx, &model.Analysis{ArticleID: id, Summary: "s", Sentiment: model.Neutral})
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats, err := db.Stats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Analyzed)
}
