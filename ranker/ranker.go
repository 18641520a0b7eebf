package ranker

import (
	"math"
	"sort"
	"strings"
	"time"
)

const defaultHalfLife = 48 * time.Hour

// RankableArticle contains the data needed for ranking.
type RankableArticle struct {
	ID          string
	Title       string
	Text        string
	Keywords    []string
	PublishedAt time.Time
}

// RankedArticle contains an article with its computed scores.
type RankedArticle struct {
	RankableArticle
	TermScore    float64
	RecencyScore float64
	FinalScore   float64
}

// Ranker orders articles by how well they match a question and how recent they are.
type Ranker struct {
	termWeight    float64
	recencyWeight float64
	halfLife      time.Duration
}

// NewRanker creates a ranker with the given weighting factors.
func NewRanker(termWeight, recencyWeight float64) *Ranker {
	return &Ranker{
		termWeight:    termWeight,
		recencyWeight: recencyWeight,
		halfLife:      defaultHalfLife,
	}
}

// WithHalfLife returns a copy of r whose recency score halves every d.
func (r *Ranker) WithHalfLife(d time.Duration) *Ranker {
	c := *r
	c.halfLife = d
	return &c
}

// Rank scores and sorts articles by their computed final score. Ties keep
// the input order.
func (r *Ranker) Rank(articles []RankableArticle, terms []string, now time.Time) []RankedArticle {
	if len(articles) == 0 {
		return nil
	}

	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}

	ranked := make([]RankedArticle, len(articles))
	for i, article := range articles {
		termScore := r.calculateTermScore(article, lowered)
		recency := r.calculateRecencyScore(article.PublishedAt, now)
		ranked[i] = RankedArticle{
			RankableArticle: article,
			TermScore:       termScore,
			RecencyScore:    recency,
			FinalScore:      termScore*r.termWeight + recency*r.recencyWeight,
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinalScore > ranked[j].FinalScore
	})

	return ranked
}

// calculateTermScore weighs a title hit 2, a keyword hit 1.5 and a hit
// anywhere else in the text 1.
func (r *Ranker) calculateTermScore(article RankableArticle, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(article.Title)
	text := strings.ToLower(article.Text)

	var score float64
	for _, term := range terms {
		switch {
		case strings.Contains(title, term):
			score += 2
		case hasKeyword(article.Keywords, term):
			score += 1.5
		case strings.Contains(text, term):
			score++
		}
	}
	return score
}

func (r *Ranker) calculateRecencyScore(published, now time.Time) float64 {
	if published.IsZero() || r.halfLife <= 0 {
		return 0
	}
	age := now.Sub(published)
	if age < 0 {
		age = 0
	}
	// 1.0 for a brand new article, 0.5 after one half-life
	return math.Exp2(-age.Hours() / r.halfLife.Hours())
}

func hasKeyword(keywords []string, term string) bool {
	for _, k := range keywords {
		if strings.EqualFold(k, term) {
			return true
		}
	}
	return false
}
