// Package scraper extracts the readable text of news article pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
)

const (
	defaultMaxContentLen = 4000
	defaultMaxPageBytes  = 2 << 20
	defaultUserAgent     = "Mozilla/5.0 (compatible; CryptoNewsAnalyzer/1.0)"
)

// ErrNotHTML is returned for pages that are not HTML documents.
var ErrNotHTML = errors.New("page is not html")

// boilerplate are line prefixes news sites put around article text.
var boilerplate = []string{
	"advertisement",
	"sponsored",
	"subscribe to",
	"sign up for",
	"follow us on",
	"disclaimer:",
	"read more:",
	"also read:",
}

// Scraper extracts article text from news pages.
type Scraper struct {
	client       *http.Client
	userAgent    string
	maxChars     int
	maxPageBytes int64
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithTimeout sets the per-page request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scraper) {
		s.client.Timeout = d
	}
}

// WithMaxContentLength caps the returned text, in characters.
func WithMaxContentLength(n int) Option {
	return func(s *Scraper) {
		s.maxChars = n
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Scraper) {
		s.userAgent = ua
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Scraper) {
		s.client = c
	}
}

// NewScraper creates a scraper.
func NewScraper(opts ...Option) *Scraper {
	s := &Scraper{
		client:       &http.Client{Timeout: 10 * time.Second},
		userAgent:    defaultUserAgent,
		maxChars:     defaultMaxContentLen,
		maxPageBytes: defaultMaxPageBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scrape downloads the page at pageURL and returns its main text with
// navigation and promotional lines removed. When readability finds no body
// text the page excerpt is returned instead.
func (s *Scraper) Scrape(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid article url %q", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: status %d", u.Host, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "text/html" && mt != "application/xhtml+xml" {
			return "", fmt.Errorf("%w: %s", ErrNotHTML, mt)
		}
	}

	page, err := readability.FromReader(io.LimitReader(resp.Body, s.maxPageBytes), u)
	if err != nil {
		return "", fmt.Errorf("extract article: %w", err)
	}

	text := cleanText(page.TextContent)
	if text == "" {
		text = cleanText(page.Excerpt)
	}
	return Truncate(text, s.maxChars), nil
}

// Truncate shortens s to at most n characters without splitting a rune.
// n <= 0 means no limit.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}

// cleanText collapses whitespace within lines and drops empty and
// boilerplate lines.
func cleanText(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || isBoilerplate(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isBoilerplate(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range boilerplate {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
