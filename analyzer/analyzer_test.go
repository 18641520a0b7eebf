package analyzer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-news-analyzer/llm"
	"crypto-news-analyzer/model"
	"crypto-news-analyzer/storage"
)

const validResponse = `{
  "summary": "Spot bitcoin ETFs saw record inflows as institutions returned.",
  "sentiment": "Bullish",
  "topics": ["ETF", "institutional flows", "etf"],
  "mentioned_assets": ["btc", "$ETH", " BTC "],
  "market_implication": "Sustained inflows could support prices."
}`

// mockCompleter answers each prompt via respond and tracks peak concurrency.
type mockCompleter struct {
	respond  func(req llm.Request) (string, error)
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	lastReq  llm.Request
	mu       sync.Mutex
}

func (m *mockCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxSeen.Load()
		if n <= cur || m.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	text, err := m.respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: "test-model"}, nil
}

func fixed(text string) func(llm.Request) (string, error) {
	return func(llm.Request) (string, error) { return text, nil }
}

func testArticle() *model.Article {
	return &model.Article{
		ID:     "a1",
		Source: "decrypt",
		Title:  "Bitcoin ETF inflows surge to record",
		URL:    "https://decrypt.co/a1",
		Body:   strings.Repeat("Bitcoin ETF demand grew strongly. ", 200),
	}
}

func TestAnalyze(t *testing.T) {
	completer := &mockCompleter{respond: fixed(validResponse)}
	a := NewAnalyzer(completer)

	got, err := a.Analyze(context.Background(), testArticle())
	require.NoError(t, err)

	assert.Equal(t, "a1", got.ArticleID)
	assert.Equal(t, model.Bullish, got.Sentiment)
	assert.Equal(t, []string{"ETF", "institutional flows"}, got.Topics)
	assert.Equal(t, []string{"BTC", "ETH"}, got.MentionedAssets)
	assert.Equal(t, "Sustained inflows could support prices.", got.MarketImplication)
	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.AnalyzedAt.IsZero())
	assert.Zero(t, got.LexiconScore, "no lexicon words in title or summary")

	req := completer.lastReq
	assert.True(t, req.JSON)
	assert.InDelta(t, 0.3, req.Temperature, 1e-6)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Contains(t, req.User, "Title: Bitcoin ETF inflows surge to record")
	assert.Contains(t, req.User, "mentioned_assets")
	assert.Less(t, len(req.User), 3600, "body is capped")
}

func TestAnalyzeLexiconScore(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		summary string
		sign    int
	}{
		{"positive summary", "Bitcoin ETF inflows surge to record", "Great amazing wonderful gains for holders!", 1},
		{"negative summary", "Bitcoin ETF inflows surge to record", "The exchange hack was terrible, awful, a disaster.", -1},
		{"positive title", "Great amazing wonderful week for bitcoin", "Spot bitcoin ETFs saw record inflows.", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := strings.Replace(validResponse,
				"Spot bitcoin ETFs saw record inflows as institutions returned.", tt.summary, 1)
			article := testArticle()
			article.Title = tt.title

			got, err := NewAnalyzer(&mockCompleter{respond: fixed(resp)}).Analyze(context.Background(), article)
			require.NoError(t, err)
			if tt.sign > 0 {
				assert.Greater(t, got.LexiconScore, 0.5)
			} else {
				assert.Less(t, got.LexiconScore, -0.5)
			}
		})
	}
}

func TestAnalyzeCodeFencedResponse(t *testing.T) {
	a := NewAnalyzer(&mockCompleter{respond: fixed("```json\n" + validResponse + "\n```")})
	got, err := a.Analyze(context.Background(), testArticle())
	require.NoError(t, err)
	assert.Equal(t, model.Bullish, got.Sentiment)
}

func TestAnalyzeMalformedResponses(t *testing.T) {
	tests := []struct {
		name     string
		response string
		reason   string
	}{
		{"missing sentiment", `{"summary":"s","topics":[],"mentioned_assets":[],"market_implication":"m"}`, `missing field "sentiment"`},
		{"invalid sentiment", `{"summary":"s","sentiment":"Positive","topics":[],"mentioned_assets":[],"market_implication":"m"}`, "unknown sentiment"},
		{"null topics", `{"summary":"s","sentiment":"Neutral","topics":null,"mentioned_assets":[],"market_implication":"m"}`, `missing field "topics"`},
		{"topics not a list", `{"summary":"s","sentiment":"Neutral","topics":"defi","mentioned_assets":[],"market_implication":"m"}`, `field "topics" has the wrong type`},
		{"empty summary", `{"summary":"  ","sentiment":"Neutral","topics":[],"mentioned_assets":[],"market_implication":"m"}`, "summary is empty"},
		{"not json", `The market looks bullish today.`, "not a JSON object"},
		{"json array", `["Bullish"]`, "not a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(&mockCompleter{respond: fixed(tt.response)})
			_, err := a.Analyze(context.Background(), testArticle())

			var analysisErr *AnalysisError
			require.ErrorAs(t, err, &analysisErr)
			assert.Equal(t, "a1", analysisErr.ArticleID)
			assert.Contains(t, analysisErr.Reason, tt.reason)
		})
	}
}

func TestAnalyzeSentimentIsCaseInsensitive(t *testing.T) {
	resp := strings.Replace(validResponse, `"Bullish"`, `"bearish"`, 1)
	a := NewAnalyzer(&mockCompleter{respond: fixed(resp)})
	got, err := a.Analyze(context.Background(), testArticle())
	require.NoError(t, err)
	assert.Equal(t, model.Bearish, got.Sentiment)
}

func TestAnalyzePassesThroughClientErrors(t *testing.T) {
	a := NewAnalyzer(&mockCompleter{respond: func(llm.Request) (string, error) {
		return "", fmt.Errorf("%w: boom", llm.ErrTransient)
	}})
	_, err := a.Analyze(context.Background(), testArticle())
	assert.ErrorIs(t, err, llm.ErrTransient)

	var analysisErr *AnalysisError
	assert.False(t, errors.As(err, &analysisErr))
}

func newStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insert(t *testing.T, db *storage.DB, title string) *model.Article {
	t.Helper()
	a := &model.Article{Source: "s", Title: title, URL: "https://x/" + strings.ReplaceAll(title, " ", "-"), Body: title}
	require.NoError(t, db.InsertArticle(context.Background(), a))
	return a
}

func TestAnalyzePendingMissingSentimentLeavesArticleUnanalyzed(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	article := insert(t, db, "no sentiment")

	a := NewAnalyzer(&mockCompleter{respond: fixed(`{"summary":"s","topics":[],"mentioned_assets":[],"market_implication":"m"}`)})
	res, err := a.AnalyzePending(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	got, err := db.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	assert.False(t, got.Analyzed())
	assert.Equal(t, 1, got.Attempts)
	_, err = db.GetAnalysis(ctx, article.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAnalyzePendingMarksFailedAfterMaxAttempts(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	article := insert(t, db, "always bad")

	completer := &mockCompleter{respond: fixed(`{"summary":"s","sentiment":"Moon"}`)}
	a := NewAnalyzer(completer, WithMaxAttempts(2))

	res, err := a.AnalyzePending(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	res, err = a.AnalyzePending(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := db.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	res, err = a.AnalyzePending(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "failed articles are not retried automatically")
	assert.Equal(t, int32(2), completer.calls.Load())
}

func TestAnalyzePendingMixedOutcomes(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	good := insert(t, db, "good news")
	bad := insert(t, db, "bad format")
	flaky := insert(t, db, "flaky upstream")

	a := NewAnalyzer(&mockCompleter{respond: func(req llm.Request) (string, error) {
		switch {
		case strings.Contains(req.User, "Title: good news"):
			return validResponse, nil
		case strings.Contains(req.User, "Title: bad format"):
			return "not json", nil
		default:
			return "", fmt.Errorf("%w: 503", llm.ErrTransient)
		}
	}})

	res, err := a.AnalyzePending(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.Analyzed)
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, 1, res.Deferred)

	an, err := db.GetAnalysis(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Bullish, an.Sentiment)

	got, err := db.GetArticle(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	got, err = db.GetArticle(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts, "transient errors do not consume attempts")
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestAnalyzePendingRespectsConcurrency(t *testing.T) {
	db := newStore(t)
	for i := 0; i < 8; i++ {
		insert(t, db, fmt.Sprintf("article %d", i))
	}

	completer := &mockCompleter{respond: fixed(validResponse), delay: 20 * time.Millisecond}
	a := NewAnalyzer(completer, WithConcurrency(2))

	res, err := a.AnalyzePending(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Analyzed)
	assert.LessOrEqual(t, completer.maxSeen.Load(), int32(2))
}

func TestAnalyzePendingBatchSize(t *testing.T) {
	db := newStore(t)
	for i := 0; i < 5; i++ {
		insert(t, db, fmt.Sprintf("article %d", i))
	}

	a := NewAnalyzer(&mockCompleter{respond: fixed(validResponse)}, WithBatchSize(3))
	res, err := a.AnalyzePending(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)

	res, err = a.AnalyzePending(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
}

func TestAnalyzePendingAbortsOnUnauthorized(t *testing.T) {
	db := newStore(t)
	for i := 0; i < 4; i++ {
		insert(t, db, fmt.Sprintf("article %d", i))
	}

	a := NewAnalyzer(&mockCompleter{respond: func(llm.Request) (string, error) {
		return "", fmt.Errorf("%w: invalid key", llm.ErrUnauthorized)
	}}, WithConcurrency(1))

	_, err := a.AnalyzePending(context.Background(), db)
	assert.ErrorIs(t, err, llm.ErrUnauthorized)

	pending, err := db.GetUnanalyzedArticles(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
	for _, p := range pending {
		assert.Zero(t, p.Attempts)
	}
}

func TestAnalyzePendingEmpty(t *testing.T) {
	completer := &mockCompleter{respond: fixed(validResponse)}
	res, err := NewAnalyzer(completer).AnalyzePending(context.Background(), newStore(t))
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Zero(t, completer.calls.Load())
}
