package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentiment is the market direction assigned to an article.
type Sentiment string

const (
	Bullish Sentiment = "Bullish"
	Bearish Sentiment = "Bearish"
	Neutral Sentiment = "Neutral"
)

// Sentiments lists every valid sentiment in display order.
var Sentiments = []Sentiment{Bullish, Bearish, Neutral}

// ParseSentiment matches s case-insensitively against the known sentiments.
func ParseSentiment(s string) (Sentiment, error) {
	s = strings.TrimSpace(s)
	for _, v := range Sentiments {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown sentiment %q", s)
}

// Status tracks where an article is in the analysis lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnalyzed Status = "analyzed"
	StatusFailed   Status = "failed"
)

// SourceType selects the fetch strategy for a source.
type SourceType string

const (
	SourceRSS  SourceType = "rss"
	SourceJSON SourceType = "json"
)

// Source is a configured news source.
type Source struct {
	Name    string     `yaml:"name" json:"name"`
	Type    SourceType `yaml:"type" json:"type"`
	URL     string     `yaml:"url" json:"url"`
	Enabled bool       `yaml:"enabled" json:"enabled"`
}

// UnmarshalYAML decodes a source, treating an absent enabled key as true.
func (s *Source) UnmarshalYAML(value *yaml.Node) error {
	type plain Source
	src := plain{Enabled: true}
	if err := value.Decode(&src); err != nil {
		return err
	}
	*s = Source(src)
	return nil
}

// Article is a single news item fetched from a source.
type Article struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Body        string     `json:"body,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// Analyzed reports whether the article has a stored analysis.
func (a *Article) Analyzed() bool {
	return a.Status == StatusAnalyzed
}

// ArticleID derives the stable identifier of an article from its source and URL.
func ArticleID(source, url string) string {
	sum := sha256.Sum256([]byte(source + "\n" + url))
	return hex.EncodeToString(sum[:16])
}

// Analysis is the LLM-derived view of one article.
type Analysis struct {
	ArticleID         string    `json:"article_id"`
	Summary           string    `json:"summary"`
	Sentiment         Sentiment `json:"sentiment"`
	Topics            []string  `json:"topics"`
	MentionedAssets   []string  `json:"mentioned_assets"`
	MarketImplication string    `json:"market_implication"`
	LexiconScore      float64   `json:"lexicon_score"`
	Model             string    `json:"model"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
}

// AnalyzedArticle pairs an article with its analysis, if any.
type AnalyzedArticle struct {
	Article
	Analysis *Analysis `json:"analysis,omitempty"`
}

// CachedAnswer is a stored answer to a previously asked question.
type CachedAnswer struct {
	Key        string    `json:"key"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	ArticleIDs []string  `json:"article_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats is an aggregate view over stored articles.
type Stats struct {
	Total               int               `json:"total"`
	Today               int               `json:"today"`
	Analyzed            int               `json:"analyzed"`
	Pending             int               `json:"pending"`
	Failed              int               `json:"failed"`
	BySource            map[string]int    `json:"by_source"`
	BySentiment         map[Sentiment]int `json:"by_sentiment"`
	AverageLexiconScore float64           `json:"average_lexicon_score"`
	Since               time.Time         `json:"since"`
}
