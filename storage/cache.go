package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crypto-news-analyzer/model"
)

// GetCachedAnswer returns the cached answer for key. Entries older than
// maxAge are treated as missing; maxAge <= 0 disables expiry.
func (db *DB) GetCachedAnswer(ctx context.Context, key string, maxAge time.Duration) (*model.CachedAnswer, error) {
	entry := &model.CachedAnswer{}
	var ids string
	var createdAt int64

	err := db.queryRow(ctx, `
	SELECT query_hash, question, answer, article_ids, created_at
	FROM query_cache WHERE query_hash = ?`, key).Scan(
		&entry.Key,
		&entry.Question,
		&entry.Answer,
		&ids,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	entry.CreatedAt = fromMillis(createdAt)
	if maxAge > 0 && time.Since(entry.CreatedAt) > maxAge {
		return nil, ErrNotFound
	}
	if err := decodeList(ids, &entry.ArticleIDs); err != nil {
		return nil, fmt.Errorf("unmarshal article ids: %w", err)
	}
	return entry, nil
}

// PutCachedAnswer stores or replaces a cached answer.
func (db *DB) PutCachedAnswer(ctx context.Context, entry *model.CachedAnswer) error {
	ids, err := encodeList(entry.ArticleIDs)
	if err != nil {
		return fmt.Errorf("marshal article ids: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err = db.exec(ctx, `
	INSERT INTO query_cache (query_hash, question, answer, article_ids, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(query_hash) DO UPDATE SET
		question = excluded.question,
		answer = excluded.answer,
		article_ids = excluded.article_ids,
		created_at = excluded.created_at
	`, entry.Key, entry.Question, entry.Answer, ids, toMillis(entry.CreatedAt))
	return err
}

// PurgeQueryCache removes every cached answer and returns how many were removed.
func (db *DB) PurgeQueryCache(ctx context.Context) (int64, error) {
	res, err := db.exec(ctx, `DELETE FROM query_cache`)
	if err != nil {
		return 0, fmt.Errorf("purge query cache: %w", err)
	}
	return res.RowsAffected()
}
