package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"crypto-news-analyzer/model"
	"crypto-news-analyzer/query"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"database":  "ok",
	}
	if err := s.articles.Ping(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if s.scheduler != nil {
		body["scheduler"] = s.scheduler.Status()
	}
	c.JSON(status, body)
}

// stats accepts since as a Go duration ("24h"), an RFC 3339 time, or
// nothing for all time.
func (s *Server) stats(c *gin.Context) {
	since, err := parseSince(c.Query("since"), time.Now())
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.engine.Stats(c.Request.Context(), since)
	if err != nil {
		slog.Error("failed to load stats", "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to load stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) listArticles(c *gin.Context) {
	f := ArticleFilter{
		Source: strings.TrimSpace(c.Query("source")),
		Limit:  defaultListLimit,
	}

	if v := c.Query("sentiment"); v != "" {
		sentiment, err := model.ParseSentiment(v)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err.Error())
			return
		}
		f.Sentiment = sentiment
	}
	if v := c.Query("status"); v != "" {
		switch st := model.Status(strings.ToLower(v)); st {
		case model.StatusPending, model.StatusAnalyzed, model.StatusFailed:
			f.Status = st
		default:
			errorJSON(c, http.StatusBadRequest, "status must be pending, analyzed or failed")
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			errorJSON(c, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorJSON(c, http.StatusBadRequest, "offset must be a non-negative number")
			return
		}
		f.Offset = n
	}

	articles, err := s.articles.ListArticles(c.Request.Context(), f)
	if err != nil {
		slog.Error("failed to list articles", "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to list articles")
		return
	}
	if articles == nil {
		articles = []model.AnalyzedArticle{}
	}
	c.JSON(http.StatusOK, gin.H{"articles": articles, "count": len(articles)})
}

func (s *Server) getArticle(c *gin.Context) {
	article, err := s.articles.GetArticle(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "article not found")
		return
	}
	if err != nil {
		slog.Error("failed to get article", "id", c.Param("id"), "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to get article")
		return
	}
	c.JSON(http.StatusOK, article)
}

func (s *Server) listSources(c *gin.Context) {
	srcs, err := s.sources.List(c.Request.Context())
	if err != nil {
		slog.Error("failed to list sources", "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if srcs == nil {
		srcs = []model.Source{}
	}
	c.JSON(http.StatusOK, gin.H{"sources": srcs})
}

type queryRequest struct {
	Question string `json:"question" binding:"required"`
}

func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := s.engine.Answer(c.Request.Context(), req.Question)
	switch {
	case errors.Is(err, query.ErrEmptyQuestion):
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing useful to send.
		c.Abort()
		return
	case err != nil:
		slog.Error("failed to answer question", "error", err)
		errorJSON(c, http.StatusInternalServerError, "could not answer the question")
		return
	}
	c.JSON(http.StatusOK, answer)
}

// fetch triggers a cycle. With wait=true the response carries the cycle
// report; otherwise the cycle is started in the background.
func (s *Server) fetch(c *gin.Context) {
	if s.scheduler == nil {
		errorJSON(c, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		report, err := s.scheduler.Trigger(c.Request.Context())
		if err != nil {
			if c.Request.Context().Err() != nil {
				c.Abort()
				return
			}
			errorJSON(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	go func() {
		if _, err := s.scheduler.Trigger(context.Background()); err != nil {
			slog.Warn("background fetch failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func parseSince(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "all" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d <= 0 {
			return time.Time{}, errors.New("since must be a positive duration")
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("since must be a duration like 24h or an RFC 3339 time")
	}
	return t, nil
}
