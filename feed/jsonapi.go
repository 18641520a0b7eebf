package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"crypto-news-analyzer/model"
)

// JSONStrategy reads news from HTTP JSON APIs. It understands the
// NewsAPI ("articles"), CryptoCompare ("Data") and CryptoPanic
// ("results") response shapes.
type JSONStrategy struct {
	httpClient *http.Client
}

// NewJSONStrategy creates an API strategy using the given HTTP client.
func NewJSONStrategy(c *http.Client) *JSONStrategy {
	return &JSONStrategy{httpClient: c}
}

type jsonPayload struct {
	Status   string           `json:"status"`
	Response string           `json:"Response"`
	Message  string           `json:"message"`
	Articles []newsAPIArticle `json:"articles"`
	Data     []compareArticle `json:"Data"`
	Results  []panicPost      `json:"results"`
}

type newsAPIArticle struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Content     string `json:"content"`
	PublishedAt string `json:"publishedAt"`
}

type compareArticle struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Body        string `json:"body"`
	PublishedOn int64  `json:"published_on"`
}

type panicPost struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
}

// Items fetches and decodes the API response for src.
func (s *JSONStrategy) Items(ctx context.Context, src model.Source) ([]Item, error) {
	body, err := get(ctx, s.httpClient, src.URL, "application/json")
	if err != nil {
		return nil, err
	}

	var payload jsonPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Err: err}
	}
	if strings.EqualFold(payload.Status, "error") || strings.EqualFold(payload.Response, "error") {
		return nil, &ParseError{Err: &apiError{message: payload.Message}}
	}

	var items []Item
	for _, a := range payload.Articles {
		items = append(items, Item{
			Title:       strings.TrimSpace(a.Title),
			URL:         strings.TrimSpace(a.URL),
			Description: a.Description,
			Content:     a.Content,
			PublishedAt: parseTime(a.PublishedAt),
		})
	}
	for _, a := range payload.Data {
		item := Item{
			Title:   strings.TrimSpace(a.Title),
			URL:     strings.TrimSpace(a.URL),
			Content: a.Body,
		}
		if a.PublishedOn > 0 {
			t := time.Unix(a.PublishedOn, 0).UTC()
			item.PublishedAt = &t
		}
		items = append(items, item)
	}
	for _, p := range payload.Results {
		items = append(items, Item{
			Title:       strings.TrimSpace(p.Title),
			URL:         strings.TrimSpace(p.URL),
			PublishedAt: parseTime(p.PublishedAt),
		})
	}
	return items, nil
}

type apiError struct {
	message string
}

func (e *apiError) Error() string {
	if e.message == "" {
		return "api returned an error"
	}
	return "api error: " + e.message
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
