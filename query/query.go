package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crypto-news-analyzer/llm"
	"crypto-news-analyzer/model"
	"crypto-news-analyzer/ranker"
	"crypto-news-analyzer/scraper"
)

const (
	defaultTemperature = 0.4
	defaultMaxTokens   = 1000
	candidateFactor    = 3
	snippetLength      = 400
)

const systemPrompt = "You are a cryptocurrency expert. Answer user questions based on the provided " +
	"recent news articles. Be comprehensive and cite specific articles by their number when relevant. " +
	"If the articles do not cover the question, say so."

const (
	notFoundText    = "I couldn't find any relevant crypto news articles for your question."
	notAnsweredText = "Sorry, I could not answer that question right now. Please try again later."
)

var (
	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrCacheMiss is returned by Store.GetCachedAnswer when no fresh entry exists.
	ErrCacheMiss = errors.New("cache miss")
)

// Completer sends a prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Store provides the data the engine reads and the cache it writes.
type Store interface {
	GetCachedAnswer(ctx context.Context, key string, maxAge time.Duration) (*model.CachedAnswer, error)
	PutCachedAnswer(ctx context.Context, entry *model.CachedAnswer) error
	SearchArticles(ctx context.Context, terms []string, since time.Time, limit int) ([]model.AnalyzedArticle, error)
	Stats(ctx context.Context, since time.Time) (*model.Stats, error)
}

// Answer is the engine's reply to a question.
type Answer struct {
	Question   string       `json:"question"`
	Text       string       `json:"answer"`
	ArticleIDs []string     `json:"article_ids"`
	Stats      *model.Stats `json:"stats,omitempty"`
	Cached     bool         `json:"cached"`
	// Answered is false when no article matched or the model call failed.
	Answered bool `json:"answered"`
}

// Engine answers questions about stored news.
type Engine struct {
	store           Store
	llm             Completer
	ranker          *ranker.Ranker
	cacheTTL        time.Duration
	contextArticles int
	window          time.Duration
	timeout         time.Duration
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheTTL sets how long a cached answer is served.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.cacheTTL = d
	}
}

// WithContextArticles sets how many articles are sent as context.
func WithContextArticles(n int) Option {
	return func(e *Engine) {
		e.contextArticles = n
	}
}

// WithWindow sets how far back articles are searched.
func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.window = d
	}
}

// WithTimeout bounds the model call for one question.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// NewEngine creates a query engine. A nil completer leaves every question
// unanswered while Stats keeps working.
func NewEngine(store Store, completer Completer, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		llm:             completer,
		ranker:          ranker.NewRanker(0.7, 0.3),
		cacheTTL:        time.Hour,
		contextArticles: 10,
		window:          7 * 24 * time.Hour,
		timeout:         90 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Answer replies to question from cached answers or from the most relevant
// recent articles. Model failures produce an unanswered reply rather than an
// error; cancelling ctx returns ctx.Err().
func (e *Engine) Answer(ctx context.Context, question string) (*Answer, error) {
	normalized := Normalize(question)
	if normalized == "" {
		return nil, ErrEmptyQuestion
	}
	key := CacheKey(normalized)
	now := e.now()

	stats, err := e.store.Stats(ctx, now.Add(-e.window))
	if err != nil {
		slog.Warn("failed to load stats for answer", "error", err)
	}

	cached, err := e.store.GetCachedAnswer(ctx, key, e.cacheTTL)
	switch {
	case err == nil:
		slog.Debug("query cache hit", "key", key)
		return &Answer{
			Question:   question,
			Text:       cached.Answer,
			ArticleIDs: cached.ArticleIDs,
			Stats:      stats,
			Cached:     true,
			Answered:   true,
		}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case !errors.Is(err, ErrCacheMiss):
		slog.Warn("query cache lookup failed", "error", err)
	}

	articles, err := e.selectContext(ctx, normalized, now)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("select context: %w", err)
	}
	if len(articles) == 0 {
		return &Answer{Question: question, Text: notFoundText, Stats: stats}, nil
	}

	ids := make([]string, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}

	if e.llm == nil {
		slog.Warn("no language model configured, question left unanswered")
		return &Answer{Question: question, Text: notAnsweredText, ArticleIDs: ids, Stats: stats}, nil
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	resp, err := e.llm.Complete(callCtx, llm.Request{
		System:      systemPrompt,
		User:        buildPrompt(question, articles),
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("failed to answer question", "question", question, "error", err)
		return &Answer{Question: question, Text: notAnsweredText, ArticleIDs: ids, Stats: stats}, nil
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		slog.Error("model returned an empty answer", "question", question)
		return &Answer{Question: question, Text: notAnsweredText, ArticleIDs: ids, Stats: stats}, nil
	}

	if err := e.store.PutCachedAnswer(ctx, &model.CachedAnswer{
		Key:        key,
		Question:   normalized,
		Answer:     text,
		ArticleIDs: ids,
		CreatedAt:  now.UTC(),
	}); err != nil {
		slog.Warn("failed to cache answer", "error", err)
	}

	return &Answer{
		Question:   question,
		Text:       text,
		ArticleIDs: ids,
		Stats:      stats,
		Answered:   true,
	}, nil
}

// Stats aggregates stored articles since the given time; the zero time
// covers everything.
func (e *Engine) Stats(ctx context.Context, since time.Time) (*model.Stats, error) {
	stats, err := e.store.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	return stats, nil
}

// selectContext picks the articles sent to the model: keyword matches within
// the window, or the most recent articles when nothing matches.
func (e *Engine) selectContext(ctx context.Context, normalized string, now time.Time) ([]model.AnalyzedArticle, error) {
	terms := Keywords(normalized)
	limit := e.contextArticles * candidateFactor

	var candidates []model.AnalyzedArticle
	if len(terms) > 0 {
		found, err := e.store.SearchArticles(ctx, terms, now.Add(-e.window), limit)
		if err != nil {
			return nil, err
		}
		candidates = found
	}
	if len(candidates) == 0 {
		recent, err := e.store.SearchArticles(ctx, nil, time.Time{}, e.contextArticles)
		if err != nil {
			return nil, err
		}
		return recent, nil
	}

	rankable := make([]ranker.RankableArticle, len(candidates))
	byID := make(map[string]model.AnalyzedArticle, len(candidates))
	for i, a := range candidates {
		rankable[i] = toRankable(a)
		byID[a.ID] = a
	}
	ranked := e.ranker.Rank(rankable, terms, now)

	n := min(e.contextArticles, len(ranked))
	out := make([]model.AnalyzedArticle, n)
	for i := 0; i < n; i++ {
		out[i] = byID[ranked[i].ID]
	}
	return out, nil
}

func toRankable(a model.AnalyzedArticle) ranker.RankableArticle {
	r := ranker.RankableArticle{
		ID:          a.ID,
		Title:       a.Title,
		Text:        a.Body,
		PublishedAt: a.FetchedAt,
	}
	if a.PublishedAt != nil {
		r.PublishedAt = *a.PublishedAt
	}
	if a.Analysis != nil {
		r.Text = a.Analysis.Summary + "\n" + a.Body
		r.Keywords = append(append([]string{}, a.Analysis.Topics...), a.Analysis.MentionedAssets...)
	}
	return r
}

func buildPrompt(question string, articles []model.AnalyzedArticle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on these recent crypto news articles, please answer this question: %s\n\n", question)
	b.WriteString("News Context:\n")
	b.WriteString("Recent cryptocurrency news articles:\n\n")

	for i, a := range articles {
		fmt.Fprintf(&b, "%d. Title: %s\n", i+1, a.Title)
		fmt.Fprintf(&b, "   Source: %s\n", a.Source)
		published := a.FetchedAt
		if a.PublishedAt != nil {
			published = *a.PublishedAt
		}
		fmt.Fprintf(&b, "   Published: %s\n", published.UTC().Format(time.RFC3339))
		if a.Analysis != nil {
			fmt.Fprintf(&b, "   Summary: %s\n", a.Analysis.Summary)
			fmt.Fprintf(&b, "   Sentiment: %s\n", a.Analysis.Sentiment)
			if len(a.Analysis.Topics) > 0 {
				fmt.Fprintf(&b, "   Key Topics: %s\n", strings.Join(a.Analysis.Topics, ", "))
			}
			if len(a.Analysis.MentionedAssets) > 0 {
				fmt.Fprintf(&b, "   Assets: %s\n", strings.Join(a.Analysis.MentionedAssets, ", "))
			}
		} else {
			fmt.Fprintf(&b, "   Excerpt: %s\n", scraper.Truncate(a.Body, snippetLength))
		}
		fmt.Fprintf(&b, "   URL: %s\n\n", a.URL)
	}
	return b.String()
}

// CacheKey returns the cache key for a normalized question.
func CacheKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
