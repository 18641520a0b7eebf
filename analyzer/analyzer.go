package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jonreiter/govader"

	"crypto-news-analyzer/llm"
	"crypto-news-analyzer/model"
	"crypto-news-analyzer/scraper"
)

const (
	defaultMaxInput    = 3000
	defaultTemperature = 0.3
	defaultMaxTokens   = 500
)

const systemPrompt = "You are a cryptocurrency market analyst. You read crypto news articles and " +
	"respond only with a single JSON object in the exact format requested."

// AnalysisError reports that the model's response did not have the expected structure.
type AnalysisError struct {
	ArticleID string
	Reason    string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze article %s: %s", e.ArticleID, e.Reason)
}

// Completer sends a prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Analyzer turns articles into structured analyses using an LLM.
type Analyzer struct {
	llm         Completer
	lexicon     *govader.SentimentIntensityAnalyzer
	maxInput    int
	temperature float32
	maxTokens   int
	concurrency int
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxInputLength caps how many characters of the body are sent.
func WithMaxInputLength(n int) Option {
	return func(a *Analyzer) {
		a.maxInput = n
	}
}

// WithConcurrency caps how many articles are analyzed at once.
func WithConcurrency(n int) Option {
	return func(a *Analyzer) {
		a.concurrency = n
	}
}

// WithBatchSize sets how many pending articles one pass picks up.
func WithBatchSize(n int) Option {
	return func(a *Analyzer) {
		a.batchSize = n
	}
}

// WithMaxAttempts sets after how many malformed responses an article is
// marked permanently failed.
func WithMaxAttempts(n int) Option {
	return func(a *Analyzer) {
		a.maxAttempts = n
	}
}

// NewAnalyzer creates an analyzer backed by the given model client.
func NewAnalyzer(completer Completer, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:         completer,
		lexicon:     govader.NewSentimentIntensityAnalyzer(),
		maxInput:    defaultMaxInput,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		concurrency: 3,
		batchSize:   50,
		maxAttempts: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze asks the model for a structured analysis of article. A response
// that does not match the expected structure fails with *AnalysisError;
// model client errors are returned unchanged.
func (a *Analyzer) Analyze(ctx context.Context, article *model.Article) (*model.Analysis, error) {
	resp, err := a.llm.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        buildPrompt(article, a.maxInput),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	analysis, err := parseAnalysis(resp.Text)
	if err != nil {
		return nil, &AnalysisError{ArticleID: article.ID, Reason: err.Error()}
	}

	analysis.ArticleID = article.ID
	analysis.Model = resp.Model
	analysis.AnalyzedAt = a.now().UTC()
	analysis.LexiconScore = a.lexicon.PolarityScores(article.Title + ". " + analysis.Summary).Compound
	return analysis, nil
}

func buildPrompt(article *model.Article, maxInput int) string {
	return fmt.Sprintf(`Analyze this cryptocurrency news article.

Title: %s
Source: %s

Content:
%s

Respond with JSON only, in this exact format:
{
  "summary": "2-3 sentence summary of the article",
  "sentiment": "Bullish" | "Bearish" | "Neutral",
  "topics": ["topic1", "topic2", "topic3"],
  "mentioned_assets": ["BTC", "ETH"],
  "market_implication": "one or two sentences on the likely market impact"
}`, article.Title, article.Source, scraper.Truncate(article.Body, maxInput))
}

var codeBlockRegex = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*(.+?)\\s*```\\s*$")

func stripMarkdownCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if matches := codeBlockRegex.FindStringSubmatch(s); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return s
}

var requiredFields = []string{"summary", "sentiment", "topics", "mentioned_assets", "market_implication"}

// parseAnalysis decodes the model output strictly: every field must be
// present with the right type and the sentiment must be a known value.
func parseAnalysis(text string) (*model.Analysis, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(text)), &raw); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	for _, field := range requiredFields {
		if v, ok := raw[field]; !ok || string(v) == "null" {
			return nil, fmt.Errorf("missing field %q", field)
		}
	}

	var (
		summary, sentiment, implication string
		topics, assets                  []string
	)
	fields := []struct {
		name string
		dst  any
	}{
		{"summary", &summary},
		{"sentiment", &sentiment},
		{"topics", &topics},
		{"mentioned_assets", &assets},
		{"market_implication", &implication},
	}
	for _, f := range fields {
		if err := json.Unmarshal(raw[f.name], f.dst); err != nil {
			return nil, fmt.Errorf("field %q has the wrong type", f.name)
		}
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, errors.New("summary is empty")
	}
	parsed, err := model.ParseSentiment(sentiment)
	if err != nil {
		return nil, err
	}

	return &model.Analysis{
		Summary:           summary,
		Sentiment:         parsed,
		Topics:            normalizeTopics(topics),
		MentionedAssets:   normalizeAssets(assets),
		MarketImplication: strings.TrimSpace(implication),
	}, nil
}

func normalizeTopics(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

func normalizeAssets(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "$"))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
