package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/mmcdole/gofeed"

	"crypto-news-analyzer/model"
)

const userAgent = "Mozilla/5.0 (compatible; CryptoNewsAnalyzer/1.0)"

// maxResponseBytes caps how much of a feed or API response is read.
const maxResponseBytes = 10 << 20

// RSSStrategy reads RSS and Atom feeds.
type RSSStrategy struct {
	httpClient *http.Client
}

// NewRSSStrategy creates a feed strategy using the given HTTP client.
func NewRSSStrategy(c *http.Client) *RSSStrategy {
	return &RSSStrategy{httpClient: c}
}

// Items downloads and parses the feed for src.
func (s *RSSStrategy) Items(ctx context.Context, src model.Source) ([]Item, error) {
	body, err := get(ctx, s.httpClient, src.URL, "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	items := make([]Item, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		item := Item{
			Title:       strings.TrimSpace(it.Title),
			URL:         strings.TrimSpace(it.Link),
			Description: it.Description,
			Content:     it.Content,
		}
		if item.URL == "" && len(it.Links) > 0 {
			item.URL = strings.TrimSpace(it.Links[0])
		}
		switch {
		case it.PublishedParsed != nil:
			t := it.PublishedParsed.UTC()
			item.PublishedAt = &t
		case it.UpdatedParsed != nil:
			t := it.UpdatedParsed.UTC()
			item.PublishedAt = &t
		}
		items = append(items, item)
	}
	return items, nil
}

// get performs a GET request and returns the body. Environment variables
// referenced in the URL (for API keys) are expanded.
func get(ctx context.Context, c *http.Client, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, os.ExpandEnv(rawURL), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
