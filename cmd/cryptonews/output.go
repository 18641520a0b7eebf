package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"crypto-news-analyzer/model"
	"crypto-news-analyzer/pipeline"
	"crypto-news-analyzer/query"
	"crypto-news-analyzer/scraper"
)

func printReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "Cycle finished in %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Sources:      %d (%d failed)\n", r.Sources, len(r.FailedSources))
	fmt.Fprintf(w, "New articles: %d of %d fetched\n", r.Inserted, r.Fetched)
	fmt.Fprintf(w, "Analyzed:     %d (retrying %d, deferred %d, failed %d)\n",
		r.Analyzed, r.Retrying, r.Deferred, r.AnalysisFailed)
	for _, fs := range r.FailedSources {
		kind := "transient"
		if fs.Permanent {
			kind = "permanent"
		}
		fmt.Fprintf(w, "  ! %s (%s): %s\n", fs.Name, kind, fs.Error)
	}
	if r.AnalysisError != "" {
		fmt.Fprintf(w, "Analysis stopped: %s\n", r.AnalysisError)
	}
}

func printAnswer(w io.Writer, a *query.Answer) {
	fmt.Fprintln(w, a.Text)
	if a.Cached {
		fmt.Fprintln(w, "\n(cached answer)")
	}
	if len(a.ArticleIDs) > 0 {
		fmt.Fprintf(w, "\nBased on %d articles: %s\n", len(a.ArticleIDs), strings.Join(a.ArticleIDs, ", "))
	}
}

func printStats(w io.Writer, s *model.Stats) {
	if s.Since.IsZero() {
		fmt.Fprintln(w, "All time")
	} else {
		fmt.Fprintf(w, "Since %s\n", s.Since.Local().Format(time.RFC1123))
	}
	fmt.Fprintf(w, "Total articles: %d (today: %d)\n", s.Total, s.Today)
	fmt.Fprintf(w, "Analyzed: %d  Pending: %d  Failed: %d\n", s.Analyzed, s.Pending, s.Failed)
	fmt.Fprintf(w, "Average lexicon score: %.3f\n", s.AverageLexiconScore)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSENTIMENT\tARTICLES")
	for _, sent := range model.Sentiments {
		fmt.Fprintf(tw, "%s\t%d\n", sent, s.BySentiment[sent])
	}

	names := make([]string, 0, len(s.BySource))
	for name := range s.BySource {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(tw, "\nSOURCE\tARTICLES")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\n", name, s.BySource[name])
	}
	tw.Flush()
}

func printSources(w io.Writer, srcs []model.Source) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tENABLED\tURL")
	for _, s := range srcs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.Name, s.Type, s.Enabled, s.URL)
	}
	tw.Flush()
}

func printArticles(w io.Writer, articles []model.AnalyzedArticle) {
	if len(articles) == 0 {
		fmt.Fprintln(w, "No articles.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSTATUS\tSENTIMENT\tTITLE")
	for _, a := range articles {
		sentiment := "-"
		if a.Analysis != nil {
			sentiment = string(a.Analysis.Sentiment)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Source, a.Status, sentiment, scraper.Truncate(a.Title, 70))
	}
	tw.Flush()
}

func printArticle(w io.Writer, a *model.AnalyzedArticle) {
	fmt.Fprintf(w, "%s\n%s\n\n", a.Title, a.URL)
	fmt.Fprintf(w, "ID:        %s\n", a.ID)
	fmt.Fprintf(w, "Source:    %s\n", a.Source)
	if a.PublishedAt != nil {
		fmt.Fprintf(w, "Published: %s\n", a.PublishedAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintf(w, "Fetched:   %s\n", a.FetchedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(w, "Status:    %s (attempts %d)\n", a.Status, a.Attempts)
	if a.LastError != "" {
		fmt.Fprintf(w, "Error:     %s\n", a.LastError)
	}

	an := a.Analysis
	if an == nil {
		return
	}
	fmt.Fprintf(w, "\nSentiment: %s (lexicon %.3f)\n", an.Sentiment, an.LexiconScore)
	fmt.Fprintf(w, "Topics:    %s\n", strings.Join(an.Topics, ", "))
	fmt.Fprintf(w, "Assets:    %s\n", strings.Join(an.MentionedAssets, ", "))
	fmt.Fprintf(w, "\n%s\n", an.Summary)
	if an.MarketImplication != "" {
		fmt.Fprintf(w, "\nMarket implication: %s\n", an.MarketImplication)
	}
	fmt.Fprintf(w, "\nAnalyzed by %s at %s\n", an.Model, an.AnalyzedAt.Local().Format(time.RFC1123))
}
