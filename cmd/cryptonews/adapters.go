package main

import (
	"context"
	"errors"
	"time"

	"crypto-news-analyzer/api"
	"crypto-news-analyzer/bot"
	"crypto-news-analyzer/model"
	"crypto-news-analyzer/query"
	"crypto-news-analyzer/sources"
	"crypto-news-analyzer/storage"
)

// Adapter types bridge storage and the consumer interfaces of each package.

type sourceStore struct {
	db *storage.DB
}

func (s *sourceStore) ListSources(ctx context.Context) ([]model.Source, error) {
	return s.db.ListSources(ctx)
}

func (s *sourceStore) CountSources(ctx context.Context) (int, error) {
	return s.db.CountSources(ctx)
}

func (s *sourceStore) AddSource(ctx context.Context, src model.Source) error {
	err := s.db.AddSource(ctx, src)
	if errors.Is(err, storage.ErrDuplicate) {
		return sources.ErrDuplicate
	}
	return err
}

func (s *sourceStore) RemoveSource(ctx context.Context, name string) error {
	return sourceErr(s.db.RemoveSource(ctx, name))
}

func (s *sourceStore) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	return sourceErr(s.db.SetSourceEnabled(ctx, name, enabled))
}

func sourceErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return sources.ErrNotFound
	}
	return err
}

type queryStore struct {
	db *storage.DB
}

func (s *queryStore) GetCachedAnswer(ctx context.Context, key string, maxAge time.Duration) (*model.CachedAnswer, error) {
	entry, err := s.db.GetCachedAnswer(ctx, key, maxAge)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, query.ErrCacheMiss
	}
	return entry, err
}

func (s *queryStore) PutCachedAnswer(ctx context.Context, entry *model.CachedAnswer) error {
	return s.db.PutCachedAnswer(ctx, entry)
}

func (s *queryStore) SearchArticles(ctx context.Context, terms []string, since time.Time, limit int) ([]model.AnalyzedArticle, error) {
	return s.db.SearchArticles(ctx, terms, since, limit)
}

func (s *queryStore) Stats(ctx context.Context, since time.Time) (*model.Stats, error) {
	return s.db.Stats(ctx, since)
}

type settingsStore struct {
	db *storage.DB
}

func (s *settingsStore) GetSetting(ctx context.Context, key string) (string, error) {
	v, err := s.db.GetSetting(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", bot.ErrSettingNotFound
	}
	return v, err
}

func (s *settingsStore) SetSetting(ctx context.Context, key, value string) error {
	return s.db.SetSetting(ctx, key, value)
}

type articleStore struct {
	db *storage.DB
}

func (s *articleStore) ListArticles(ctx context.Context, f api.ArticleFilter) ([]model.AnalyzedArticle, error) {
	return s.db.ListArticles(ctx, storage.ArticleFilter{
		Source:    f.Source,
		Sentiment: f.Sentiment,
		Status:    f.Status,
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
}

func (s *articleStore) GetArticle(ctx context.Context, id string) (*model.AnalyzedArticle, error) {
	a, err := s.db.GetAnalyzedArticle(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, api.ErrNotFound
	}
	return a, err
}

func (s *articleStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// LatestArticles serves the bot's /latest command.
func (s *articleStore) LatestArticles(ctx context.Context, limit int) ([]model.AnalyzedArticle, error) {
	return s.db.ListArticles(ctx, storage.ArticleFilter{Limit: limit})
}

var (
	_ sources.Store     = (*sourceStore)(nil)
	_ query.Store       = (*queryStore)(nil)
	_ bot.SettingsStore = (*settingsStore)(nil)
	_ bot.ArticleLister = (*articleStore)(nil)
	_ api.ArticleStore  = (*articleStore)(nil)
)
