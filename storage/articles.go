package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-news-analyzer/model"
)

const articleColumns = `a.id, a.source, a.title, a.url, a.body, a.published_at, a.fetched_at, a.status, a.attempts, a.last_error`

const analysisColumns = `an.article_id, an.summary, an.sentiment, an.topics, an.mentioned_assets, an.market_implication, an.lexicon_score, an.model, an.analyzed_at`

// ArticleFilter narrows ListArticles results.
type ArticleFilter struct {
	Source    string
	Sentiment model.Sentiment
	Status    model.Status
	Since     time.Time
	Limit     int
	Offset    int
}

// InsertArticle stores a new article in pending state. It returns
// ErrDuplicate when an article with the same source and URL exists.
func (db *DB) InsertArticle(ctx context.Context, article *model.Article) error {
	res, err := db.exec(ctx, insertArticleQuery, articleArgs(article)...)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// InsertArticles stores each article in its own statement and returns the
// ones that were new. Duplicates are skipped. A row that fails does not
// undo the others; its error is joined into the returned error alongside
// the articles that were stored.
func (db *DB) InsertArticles(ctx context.Context, articles []model.Article) ([]model.Article, error) {
	var (
		inserted []model.Article
		errs     []error
	)
	for i := range articles {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := db.exec(ctx, insertArticleQuery, articleArgs(&articles[i])...)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert article %s: %w", articles[i].URL, err))
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, articles[i])
		}
	}
	return inserted, errors.Join(errs...)
}

const insertArticleQuery = `
	INSERT INTO articles (id, source, title, url, body, published_at, fetched_at, status, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '')
	ON CONFLICT DO NOTHING
	`

func articleArgs(a *model.Article) []any {
	if a.ID == "" {
		a.ID = model.ArticleID(a.Source, a.URL)
	}
	if a.FetchedAt.IsZero() {
		a.FetchedAt = time.Now().UTC()
	}
	a.Status = model.StatusPending
	return []any{
		a.ID,
		a.Source,
		a.Title,
		a.URL,
		a.Body,
		nullMillis(a.PublishedAt),
		toMillis(a.FetchedAt),
		string(model.StatusPending),
	}
}

// ArticleExists reports whether an article with the given source and URL is stored.
func (db *DB) ArticleExists(ctx context.Context, source, url string) (bool, error) {
	var one int
	err := db.queryRow(ctx, `SELECT 1 FROM articles WHERE source = ? AND url = ?`, source, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check article: %w", err)
	}
	return true, nil
}

// GetArticle retrieves an article by ID.
func (db *DB) GetArticle(ctx context.Context, id string) (*model.Article, error) {
	row := db.queryRow(ctx, `SELECT `+articleColumns+` FROM articles a WHERE a.id = ?`, id)
	article, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return article, nil
}

// GetAnalyzedArticle retrieves an article together with its analysis, if any.
func (db *DB) GetAnalyzedArticle(ctx context.Context, id string) (*model.AnalyzedArticle, error) {
	row := db.queryRow(ctx, `
	SELECT `+articleColumns+`, `+analysisColumns+`
	FROM articles a LEFT JOIN analyses an ON an.article_id = a.id
	WHERE a.id = ?`, id)
	item, err := scanAnalyzedArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListArticles returns articles with their analyses, newest first.
func (db *DB) ListArticles(ctx context.Context, f ArticleFilter) ([]model.AnalyzedArticle, error) {
	var where []string
	var args []any
	if f.Source != "" {
		where = append(where, "a.source = ?")
		args = append(args, f.Source)
	}
	if f.Sentiment != "" {
		where = append(where, "an.sentiment = ?")
		args = append(args, string(f.Sentiment))
	}
	if f.Status != "" {
		where = append(where, "a.status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "a.fetched_at >= ?")
		args = append(args, toMillis(f.Since))
	}

	q := `SELECT ` + articleColumns + `, ` + analysisColumns + `
	FROM articles a LEFT JOIN analyses an ON an.article_id = a.id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY COALESCE(a.published_at, a.fetched_at) DESC, a.id"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	return db.queryAnalyzedArticles(ctx, q, args...)
}

// GetUnanalyzedArticles returns pending articles, oldest first.
func (db *DB) GetUnanalyzedArticles(ctx context.Context, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `
	SELECT `+articleColumns+`
	FROM articles a
	WHERE a.status = ?
	ORDER BY a.fetched_at ASC, COALESCE(a.published_at, 0) ASC, a.id
	LIMIT ?`, string(model.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query unanalyzed articles: %w", err)
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// SearchArticles returns articles fetched since the given time whose title,
// body, summary, topics or assets contain any of the terms, newest first.
// With no terms it returns the most recent articles.
func (db *DB) SearchArticles(ctx context.Context, terms []string, since time.Time, limit int) ([]model.AnalyzedArticle, error) {
	if limit <= 0 {
		limit = 10
	}

	q := `SELECT ` + articleColumns + `, ` + analysisColumns + `
	FROM articles a LEFT JOIN analyses an ON an.article_id = a.id
	WHERE a.fetched_at >= ?`
	args := []any{toMillis(since)}

	if len(terms) > 0 {
		fields := []string{
			"LOWER(a.title)",
			"LOWER(a.body)",
			"LOWER(COALESCE(an.summary, ''))",
			"LOWER(COALESCE(an.topics, ''))",
			"LOWER(COALESCE(an.mentioned_assets, ''))",
		}
		var ors []string
		for _, term := range terms {
			pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
			for _, field := range fields {
				ors = append(ors, field+` LIKE ? ESCAPE '\'`)
				args = append(args, pattern)
			}
		}
		q += " AND (" + strings.Join(ors, " OR ") + ")"
	}

	q += " ORDER BY COALESCE(a.published_at, a.fetched_at) DESC, a.id LIMIT ?"
	args = append(args, limit)

	return db.queryAnalyzedArticles(ctx, q, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (db *DB) queryAnalyzedArticles(ctx context.Context, q string, args ...any) ([]model.AnalyzedArticle, error) {
	rows, err := db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var items []model.AnalyzedArticle
	for rows.Next() {
		item, err := scanAnalyzedArticle(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func articleDest(a *model.Article, publishedAt *sql.NullInt64, fetchedAt *int64, status *string) []any {
	return []any{
		&a.ID,
		&a.Source,
		&a.Title,
		&a.URL,
		&a.Body,
		publishedAt,
		fetchedAt,
		status,
		&a.Attempts,
		&a.LastError,
	}
}

func finishArticle(a *model.Article, publishedAt sql.NullInt64, fetchedAt int64, status string) {
	if publishedAt.Valid {
		t := fromMillis(publishedAt.Int64)
		a.PublishedAt = &t
	}
	a.FetchedAt = fromMillis(fetchedAt)
	a.Status = model.Status(status)
}

func scanArticle(s scanner) (*model.Article, error) {
	a := &model.Article{}
	var publishedAt sql.NullInt64
	var fetchedAt int64
	var status string

	if err := s.Scan(articleDest(a, &publishedAt, &fetchedAt, &status)...); err != nil {
		return nil, err
	}
	finishArticle(a, publishedAt, fetchedAt, status)
	return a, nil
}

func scanAnalyzedArticle(s scanner) (*model.AnalyzedArticle, error) {
	item := &model.AnalyzedArticle{}
	var publishedAt sql.NullInt64
	var fetchedAt int64
	var status string

	var (
		articleID   sql.NullString
		summary     sql.NullString
		sentiment   sql.NullString
		topics      sql.NullString
		assets      sql.NullString
		implication sql.NullString
		lexicon     sql.NullFloat64
		modelName   sql.NullString
		analyzedAt  sql.NullInt64
	)

	dest := articleDest(&item.Article, &publishedAt, &fetchedAt, &status)
	dest = append(dest, &articleID, &summary, &sentiment, &topics, &assets, &implication, &lexicon, &modelName, &analyzedAt)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	finishArticle(&item.Article, publishedAt, fetchedAt, status)

	if !articleID.Valid {
		return item, nil
	}

	an := &model.Analysis{
		ArticleID:         articleID.String,
		Summary:           summary.String,
		Sentiment:         model.Sentiment(sentiment.String),
		MarketImplication: implication.String,
		LexiconScore:      lexicon.Float64,
		Model:             modelName.String,
		AnalyzedAt:        fromMillis(analyzedAt.Int64),
	}
	if err := decodeList(topics.String, &an.Topics); err != nil {
		return nil, fmt.Errorf("unmarshal topics: %w", err)
	}
	if err := decodeList(assets.String, &an.MentionedAssets); err != nil {
		return nil, fmt.Errorf("unmarshal assets: %w", err)
	}
	item.Analysis = an
	return item, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(s string, out *[]string) error {
	if s == "" {
		*out = []string{}
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return err
	}
	if *out == nil {
		*out = []string{}
	}
	return nil
}
