package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"crypto-news-analyzer/model"
	"crypto-news-analyzer/scraper"
)

// Item is a raw entry read from a source before normalization.
type Item struct {
	Title       string
	URL         string
	Description string
	Content     string
	PublishedAt *time.Time
}

// Strategy reads raw items from one kind of source.
type Strategy interface {
	Items(ctx context.Context, src model.Source) ([]Item, error)
}

// Store reports which articles are already stored.
type Store interface {
	ArticleExists(ctx context.Context, source, url string) (bool, error)
}

// ContentExtractor fetches the full text of an article page.
type ContentExtractor interface {
	Scrape(ctx context.Context, url string) (string, error)
}

// Result is the outcome of fetching a set of sources.
type Result struct {
	Articles  []model.Article
	Errors    []*FetchError
	PerSource map[string]int
}

// Fetcher retrieves new articles from sources.
type Fetcher struct {
	store         Store
	extractor     ContentExtractor
	httpClient    *http.Client
	strategies    map[model.SourceType]Strategy
	maxItems      int
	maxContentLen int
	concurrency   int
	backoff       backoff
	now           func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the HTTP timeout used by the built-in strategies.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.httpClient.Timeout = d
	}
}

// WithStrategy registers the strategy used for a source type.
func WithStrategy(t model.SourceType, s Strategy) Option {
	return func(f *Fetcher) {
		f.strategies[t] = s
	}
}

// WithMaxItems caps the number of entries read per source.
func WithMaxItems(n int) Option {
	return func(f *Fetcher) {
		f.maxItems = n
	}
}

// WithMaxContentLength caps the article body length in characters.
func WithMaxContentLength(n int) Option {
	return func(f *Fetcher) {
		f.maxContentLen = n
	}
}

// WithConcurrency sets how many sources are fetched at once.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		f.concurrency = n
	}
}

// WithRetry sets the attempt count and backoff bounds for transient failures.
func WithRetry(attempts int, base, max time.Duration) Option {
	return func(f *Fetcher) {
		f.backoff = backoff{attempts: attempts, base: base, max: max}
	}
}

// NewFetcher creates a fetcher. extractor may be nil, in which case the
// feed's own description is used as the article body.
func NewFetcher(store Store, extractor ContentExtractor, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:         store,
		extractor:     extractor,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		strategies:    make(map[model.SourceType]Strategy),
		maxItems:      10,
		maxContentLen: 4000,
		concurrency:   4,
		backoff:       backoff{attempts: 3, base: time.Second, max: 8 * time.Second},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if _, ok := f.strategies[model.SourceRSS]; !ok {
		f.strategies[model.SourceRSS] = NewRSSStrategy(f.httpClient)
	}
	if _, ok := f.strategies[model.SourceJSON]; !ok {
		f.strategies[model.SourceJSON] = NewJSONStrategy(f.httpClient)
	}
	return f
}

// Fetch reads src and returns the articles not yet stored.
func (f *Fetcher) Fetch(ctx context.Context, src model.Source) ([]model.Article, error) {
	strategy, ok := f.strategies[src.Type]
	if !ok {
		return nil, &FetchError{
			Source:    src.Name,
			Err:       fmt.Errorf("no strategy for source type %q", src.Type),
			Permanent: true,
		}
	}

	items, err := retry(ctx, f.backoff, src.Name, func() ([]Item, error) {
		return strategy.Items(ctx, src)
	})
	if err != nil {
		return nil, &FetchError{Source: src.Name, Err: err, Permanent: isPermanent(err)}
	}

	items = newestFirst(items)
	if f.maxItems > 0 && len(items) > f.maxItems {
		items = items[:f.maxItems]
	}

	fetchedAt := f.now().UTC()
	seen := make(map[string]bool, len(items))
	var articles []model.Article
	for _, item := range items {
		if item.URL == "" || seen[item.URL] {
			continue
		}
		seen[item.URL] = true

		exists, err := f.store.ArticleExists(ctx, src.Name, item.URL)
		if err != nil {
			return nil, &FetchError{Source: src.Name, Err: fmt.Errorf("check stored article: %w", err)}
		}
		if exists {
			continue
		}

		articles = append(articles, model.Article{
			ID:          model.ArticleID(src.Name, item.URL),
			Source:      src.Name,
			Title:       firstNonEmpty(item.Title, item.URL),
			URL:         item.URL,
			Body:        f.body(ctx, src.Name, item),
			PublishedAt: item.PublishedAt,
			FetchedAt:   fetchedAt,
			Status:      model.StatusPending,
		})
	}

	slog.Info("fetched source",
		"source", src.Name,
		"items", len(items),
		"new", len(articles),
	)
	return articles, nil
}

// FetchAll fetches every source concurrently. A failing source is logged
// and reported in the result without affecting the others.
func (f *Fetcher) FetchAll(ctx context.Context, sources []model.Source) *Result {
	perSource := make([][]model.Article, len(sources))
	errs := make([]*FetchError, len(sources))

	var g errgroup.Group
	if f.concurrency > 0 {
		g.SetLimit(f.concurrency)
	}
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			articles, err := f.Fetch(ctx, src)
			if err != nil {
				var fe *FetchError
				if !errors.As(err, &fe) {
					fe = &FetchError{Source: src.Name, Err: err}
				}
				slog.Warn("source fetch failed",
					"source", src.Name,
					"permanent", fe.Permanent,
					"error", fe.Err,
				)
				errs[i] = fe
				return nil
			}
			perSource[i] = articles
			return nil
		})
	}
	g.Wait()

	res := &Result{PerSource: make(map[string]int, len(sources))}
	for i, src := range sources {
		if errs[i] != nil {
			res.Errors = append(res.Errors, errs[i])
			continue
		}
		res.PerSource[src.Name] = len(perSource[i])
		res.Articles = append(res.Articles, perSource[i]...)
	}
	return res
}

// body picks the richest available text for an item: the extracted page,
// then the feed content or description, then the title.
func (f *Fetcher) body(ctx context.Context, source string, item Item) string {
	fallback := stripHTML(firstNonEmpty(item.Content, item.Description))

	if f.extractor != nil {
		text, err := f.extractor.Scrape(ctx, item.URL)
		if err != nil {
			slog.Debug("content extraction failed, using feed text",
				"source", source,
				"url", item.URL,
				"error", err,
			)
		} else if len(text) > len(fallback) {
			return scraper.Truncate(text, f.maxContentLen)
		}
	}

	if fallback == "" {
		fallback = item.Title
	}
	return scraper.Truncate(fallback, f.maxContentLen)
}

func newestFirst(items []Item) []Item {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].PublishedAt, sorted[j].PublishedAt
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.After(*b)
	})
	return sorted
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// compile-time check that the scraper satisfies ContentExtractor.
var _ ContentExtractor = (*scraper.Scraper)(nil)
